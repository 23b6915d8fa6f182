/*
scheduler.go - Background low-stock monitor

PURPOSE:
  Periodically derives stock levels and notifies inventory managers about
  (item, hub) pairs that fell below the item's minimum quantity.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Notifies once when a pair drops below its minimum
  - Clears the reported flag when the pair recovers, so the next drop
    notifies again

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - Enabled: Whether the monitor is active (default: true)

USAGE:
  monitor := NewStockMonitor(handler.Stock, handler.Workflow.Notifier, logger)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - engine/stock.go: LowStock derivation
  - engine/notify.go: Notification sink
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drims/stock-engine/engine"
)

// StockMonitor watches derived stock levels in the background.
type StockMonitor struct {
	Stock         *engine.Aggregator
	Notifier      engine.Notifier
	Logger        zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker   *time.Ticker
	stop     chan bool
	wg       sync.WaitGroup
	mu       sync.Mutex
	reported map[lowStockKey]bool
}

type lowStockKey struct {
	SKU engine.ItemSKU
	Hub engine.HubID
}

// NewStockMonitor creates a new monitor.
func NewStockMonitor(stock *engine.Aggregator, notifier engine.Notifier, logger zerolog.Logger) *StockMonitor {
	return &StockMonitor{
		Stock:         stock,
		Notifier:      notifier,
		Logger:        logger,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
		reported:      make(map[lowStockKey]bool),
	}
}

// Start begins the monitor.
func (sm *StockMonitor) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.Enabled {
		sm.Logger.Info().Msg("stock monitor disabled, not starting")
		return
	}

	sm.ticker = time.NewTicker(sm.CheckInterval)
	sm.wg.Add(1)

	go sm.run(sm.ticker)

	sm.Logger.Info().Dur("interval", sm.CheckInterval).Msg("stock monitor started")
}

// Stop stops the monitor. The mutex is released before waiting so an
// in-flight check can still take it and finish.
func (sm *StockMonitor) Stop() {
	sm.mu.Lock()
	ticker := sm.ticker
	sm.ticker = nil
	sm.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(sm.stop)
		sm.wg.Wait()
		sm.Logger.Info().Msg("stock monitor stopped")
	}
}

func (sm *StockMonitor) run(ticker *time.Ticker) {
	defer sm.wg.Done()

	// Run immediately on start
	sm.checkAndNotify()

	for {
		select {
		case <-ticker.C:
			sm.checkAndNotify()
		case <-sm.stop:
			return
		}
	}
}

func (sm *StockMonitor) checkAndNotify() {
	ctx := context.Background()

	lines, err := sm.Stock.LowStock(ctx)
	if err != nil {
		sm.Logger.Error().Err(err).Msg("stock monitor: low stock derivation failed")
		return
	}

	// RunNow may race the ticker goroutine over the reported set.
	sm.mu.Lock()
	defer sm.mu.Unlock()

	below := make(map[lowStockKey]bool, len(lines))
	notified := 0
	for _, l := range lines {
		key := lowStockKey{SKU: l.SKU, Hub: l.HubID}
		below[key] = true
		if sm.reported[key] {
			continue
		}
		sm.reported[key] = true

		ev := engine.Event{
			Type:   engine.EventLowStock,
			Target: string(engine.RoleInventoryManager),
			Message: fmt.Sprintf("%s at %s is low: %d of minimum %d %s",
				l.ItemName, l.HubID, l.Stock, l.MinQty, l.SKU),
			At: time.Now().UTC(),
		}
		if err := sm.Notifier.Publish(ctx, ev); err != nil {
			sm.Logger.Error().Err(err).Str("sku", string(l.SKU)).Str("hub", string(l.HubID)).
				Msg("stock monitor: notification failed")
		}
		notified++
	}

	// Recovered pairs notify again on the next drop.
	for key := range sm.reported {
		if !below[key] {
			delete(sm.reported, key)
		}
	}

	if notified > 0 {
		sm.Logger.Info().Int("new", notified).Int("total_low", len(lines)).
			Msg("stock monitor: low stock detected")
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (sm *StockMonitor) RunNow() {
	sm.checkAndNotify()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (sm *StockMonitor) GetNextRunTime() time.Time {
	return time.Now().Add(sm.CheckInterval)
}
