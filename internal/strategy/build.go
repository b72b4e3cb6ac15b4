package strategy

// Config lists every strategy the engine may run.
type Config struct {
	Scalper     ScalperConfig     `yaml:"scalper"`
	MarketMaker MarketMakerConfig `yaml:"market_maker"`
	Pairs       []PairsConfig     `yaml:"pairs"`
}

// Build returns fresh instances of the enabled strategies, in a fixed order.
// Every call returns new indicator state, so backtest runs never share it.
func Build(cfg Config) []Strategy {
	var out []Strategy
	if cfg.Scalper.Enabled && len(cfg.Scalper.Symbols) > 0 {
		out = append(out, NewScalper(cfg.Scalper))
	}
	if cfg.MarketMaker.Enabled && len(cfg.MarketMaker.Symbols) > 0 {
		out = append(out, NewMarketMaker(cfg.MarketMaker))
	}
	for _, p := range cfg.Pairs {
		if p.Enabled && p.SymbolA != "" && p.SymbolB != "" {
			out = append(out, NewPairs(p))
		}
	}
	return out
}

// Symbols returns the union of symbols the strategies subscribe to.
func Symbols(strats []Strategy) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strats {
		for _, sym := range s.Symbols() {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}
