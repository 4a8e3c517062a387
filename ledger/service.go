/*
service.go - Wired ledger facade

PURPOSE:
  Bundles the four components over one store and, crucially, one shared
  per-owner lock table, so a consumption, an adjustment, and a sweep of
  the same owner serialize against each other. External collaborators
  (the HTTP layer, the booking-completion handler) depend on this facade
  rather than wiring components individually.
*/
package ledger

import "github.com/jonboulle/clockwork"

// Service bundles the ledger components over a single store and lock table.
type Service struct {
	Balance *BalanceCalculator
	Engine  *ConsumptionEngine
	Manager *AllocationManager
	Sweeper *ExpirationSweeper
}

// NewService wires the components. A nil clock means the real clock.
func NewService(store TxStore, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	locks := newLockTable(defaultLockWait)

	engine := NewConsumptionEngine(store, clock)
	engine.locks = locks
	manager := NewAllocationManager(store, clock)
	manager.locks = locks
	sweeper := NewExpirationSweeper(store)
	sweeper.locks = locks

	return &Service{
		Balance: NewBalanceCalculator(store, clock),
		Engine:  engine,
		Manager: manager,
		Sweeper: sweeper,
	}
}
