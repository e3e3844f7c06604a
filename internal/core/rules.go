package core

import "organictrace/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in provenance
// invariants evaluated on every store commit.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(ProductBatchLinkRule())
	engine.Register(AppendOnlyLogRule())
	return engine
}
