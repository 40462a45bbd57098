// Package tier loads the writer-tier manifest (graph.yml) and answers
// per-tier configuration lookups. The manifest is parsed once per process
// and swapped copy-on-write on reload.
package tier

// Tier is a tagged value for a writer tier. Known tiers get an enumerated
// kind; unknown tier names are carried through as custom so the catalog
// can still resolve their manifest entry.
type Tier struct {
	kind kind
	raw  string
}

type kind int

const (
	kindStandard kind = iota
	kindPerformance
	kindEnterprise
	kindCustom
)

var (
	Standard    = Tier{kind: kindStandard, raw: "standard"}
	Performance = Tier{kind: kindPerformance, raw: "performance"}
	Enterprise  = Tier{kind: kindEnterprise, raw: "enterprise"}
)

// ParseTier maps a tier name to its tagged value. An empty name maps to
// the baseline standard tier.
func ParseTier(name string) Tier {
	switch name {
	case "", "standard":
		return Standard
	case "performance":
		return Performance
	case "enterprise":
		return Enterprise
	default:
		return Tier{kind: kindCustom, raw: name}
	}
}

func (t Tier) String() string {
	return t.raw
}

// IsStandard reports whether this is the baseline tier. Only the
// baseline tier autoscales; dedicated tiers require manual provisioning.
func (t Tier) IsStandard() bool {
	return t.kind == kindStandard
}
