package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Course struct {
	ID            string
	Title         string
	Description   string
	Price         *big.Int
	Creator       common.Address
	IsActive      bool
	CreatedAt     time.Time
	PurchaseCount uint64
	Category      string
}

// Exists reports whether the marketplace knows the course; unknown ids come
// back as an all-zero record.
func (c Course) Exists() bool {
	return c.Title != ""
}

// Snapshot is the chain state of one account as of its last read.
type Snapshot struct {
	Account            common.Address
	ChainID            int64
	Balance            *big.Int
	Allowance          *big.Int
	PurchasedCourseIDs map[string]struct{}
	ReadAt             time.Time
}

func (s Snapshot) HasPurchased(courseID string) bool {
	_, ok := s.PurchasedCourseIDs[courseID]
	return ok
}

func CourseSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

type Reserves struct {
	ETH   *big.Int `json:"eth"`
	Token *big.Int `json:"token"`
}

// Attempt is the persisted record of one finished purchase intent.
type Attempt struct {
	IntentID   string
	Account    string
	ChainID    int64
	CourseID   string
	Price      string
	Step       string
	ErrorKind  string
	Cause      string
	Message    string
	ApproveTx  *string
	PurchaseTx *string
	StartedAt  time.Time
	FinishedAt time.Time
}

// AccountSnapshot is the persisted display view written by the watcher.
// Block is the latest head seen when the state was last written, zero when
// no head subscription is running.
type AccountSnapshot struct {
	Account   string
	ChainID   int64
	Balance   string
	Allowance string
	Purchased []string
	Block     uint64
	UpdatedAt time.Time
}
