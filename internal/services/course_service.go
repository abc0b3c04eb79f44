package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/pricing"
	"YDCoursePurchase/internal/units"

	"golang.org/x/sync/errgroup"
)

var (
	ErrMissingCourseID = errors.New("missing course id")
	ErrCourseNotFound  = errors.New("course not found")
)

type CourseReader interface {
	CourseIDs(ctx context.Context) ([]string, error)
	Course(ctx context.Context, courseID string) (models.Course, error)
}

type CourseService struct {
	Reader  CourseReader
	Pricing pricing.Service
	// Parallel bounds the concurrent getCourse calls of List.
	Parallel int
}

type CourseView struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	Price         string               `json:"price"`
	PriceWei      string               `json:"priceWei"`
	Creator       string               `json:"creator"`
	IsActive      bool                 `json:"isActive"`
	CreatedAt     string               `json:"createdAt,omitempty"`
	PurchaseCount uint64               `json:"purchaseCount"`
	Category      string               `json:"category"`
	Fees          pricing.FeeBreakdown `json:"fees"`
}

func (s CourseService) view(c models.Course) CourseView {
	v := CourseView{
		ID:            c.ID,
		Title:         c.Title,
		Description:   c.Description,
		Price:         units.FormatToken(c.Price),
		PriceWei:      "0",
		Creator:       c.Creator.Hex(),
		IsActive:      c.IsActive,
		PurchaseCount: c.PurchaseCount,
		Category:      c.Category,
	}
	if c.Price != nil {
		v.PriceWei = c.Price.String()
		v.Fees = s.Pricing.Breakdown(c.Price)
	}
	if !c.CreatedAt.IsZero() {
		v.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return v
}

// List reads every course the marketplace knows, newest first.
func (s CourseService) List(ctx context.Context) ([]CourseView, error) {
	ids, err := s.Reader.CourseIDs(ctx)
	if err != nil {
		return nil, err
	}
	courses := make([]models.Course, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Parallel
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			c, err := s.Reader.Course(gctx, id)
			if err != nil {
				return err
			}
			courses[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]CourseView, 0, len(courses))
	for _, c := range courses {
		if !c.Exists() {
			continue
		}
		out = append(out, s.view(c))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s CourseService) Get(ctx context.Context, courseID string) (CourseView, error) {
	if courseID == "" {
		return CourseView{}, ErrMissingCourseID
	}
	c, err := s.Reader.Course(ctx, courseID)
	if err != nil {
		return CourseView{}, err
	}
	if !c.Exists() {
		return CourseView{}, ErrCourseNotFound
	}
	return s.view(c), nil
}
