package catalog

import "fmt"

// Tier is a user-facing model grouping.
type Tier string

const (
	TierFree    Tier = "free"
	TierStealth Tier = "stealth"
)

// Tiers returns every listing tier in routing order.
func Tiers() []Tier {
	return []Tier{TierFree, TierStealth}
}

func (t Tier) String() string { return string(t) }

// ParseTier accepts "free" or "stealth".
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierStealth:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Class is the classifier outcome: one of the tiers, or excluded.
type Class string

const (
	ClassFree     Class = Class(TierFree)
	ClassStealth  Class = Class(TierStealth)
	ClassExcluded Class = "excluded"
)

// Tier returns the listing tier for the class; ok is false for ClassExcluded.
func (c Class) Tier() (Tier, bool) {
	switch c {
	case ClassFree:
		return TierFree, true
	case ClassStealth:
		return TierStealth, true
	default:
		return "", false
	}
}

// ParseClass accepts "free", "stealth" or "excluded".
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassFree, ClassStealth, ClassExcluded:
		return Class(s), nil
	default:
		return "", fmt.Errorf("unknown class %q (want free, stealth or excluded)", s)
	}
}
