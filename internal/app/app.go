// Package app wires the chain client, account watcher and purchase workflow
// for one configured deployment. The binaries under cmd/ share it.
package app

import (
	"context"
	"fmt"

	"YDCoursePurchase/internal/account"
	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/config"
	"YDCoursePurchase/internal/db"
	"YDCoursePurchase/internal/pricing"
	"YDCoursePurchase/internal/purchase"
	"YDCoursePurchase/internal/services"
	"YDCoursePurchase/internal/store"

	"go.uber.org/zap"
)

type App struct {
	Deployment config.Deployment
	Client     *chain.Client
	Heads      *chain.HeadSubscriber
	Tracker    *chain.Tracker
	Watcher    *account.Watcher
	Workflow   *purchase.Orchestrator
	Store      *store.Store
	Pool       *db.Pool

	Courses   services.CourseService
	Purchases *services.PurchaseService
	Exchange  services.ExchangeService
}

type Options struct {
	// WithDB connects to cfg.DB.DSN when it is set.
	WithDB bool
}

func New(ctx context.Context, cfg *config.Config, opts Options, log *zap.Logger) (*App, error) {
	dep := cfg.Active()
	signer, err := cfg.Signer()
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}

	client, err := chain.Dial(ctx, dep.RPCEndpoints, cfg.Chain.RPCFailoverThreshold, dep.ChainID, signer, log.Named("chain"))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dep.Name, err)
	}
	a := &App{Deployment: dep, Client: client}

	a.Heads = chain.NewHeadSubscriber(dep.WSEndpoint(), log.Named("heads"))
	a.Tracker = chain.NewTracker(client, dep.ReceiptPollInterval, dep.ConfirmTimeout, a.Heads, log.Named("tracker"))

	a.Watcher, err = account.NewWatcher(ctx, client, cfg.Watcher.Intervals, cfg.Watcher.CacheWindow, log.Named("watcher"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("watcher: %w", err)
	}
	a.Watcher.SetScope(account.Scope{
		Account:     client.Account(),
		ChainID:     dep.ChainID,
		Token:       dep.TokenContract.Address,
		Marketplace: dep.MarketplaceContract.Address,
	})

	if opts.WithDB && cfg.DB.DSN != "" {
		a.Pool, err = db.Connect(ctx, cfg.DB.DSN, log.Named("db"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("db: %w", err)
		}
		a.Store = store.New(a.Pool)
	}

	popts := purchase.Options{
		Chain:     client,
		Tracker:   a.Tracker,
		Refresher: a.Watcher,
		Policy:    cfg.Purchase,
		Log:       log.Named("purchase"),
	}
	if a.Store != nil {
		popts.Recorder = a.Store
	}
	a.Workflow, err = purchase.New(popts)
	if err != nil {
		a.Close()
		return nil, err
	}

	prices := pricing.New(cfg.Exchange.TokensPerETH, cfg.Exchange.FeeBps)
	reader := account.NewReader(client, dep.TokenContract, dep.MarketplaceContract)
	a.Courses = services.CourseService{Reader: reader, Pricing: prices, Parallel: 8}
	a.Purchases = &services.PurchaseService{
		Workflow: a.Workflow,
		Session: purchase.Session{
			Account:     client.Account(),
			ChainID:     dep.ChainID,
			Token:       dep.TokenContract,
			Marketplace: dep.MarketplaceContract,
		},
		Account: a.Watcher,
	}
	if a.Store != nil {
		a.Purchases.History = a.Store
	}
	a.Exchange = services.ExchangeService{
		Writer:      client,
		Tracker:     a.Tracker,
		Pricing:     prices,
		Marketplace: dep.MarketplaceContract,
		Log:         log.Named("exchange"),
	}

	log.Info("deployment ready",
		zap.String("network", dep.Name),
		zap.Int64("chain_id", dep.ChainID),
		zap.String("account", client.Account().Hex()),
		zap.Bool("history", a.Store != nil),
	)
	return a, nil
}

func (a *App) Close() {
	if a.Workflow != nil {
		a.Workflow.Close()
	}
	if a.Watcher != nil {
		_ = a.Watcher.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Client != nil {
		a.Client.Close()
	}
}
