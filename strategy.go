package repocache

import "fmt"

// DefaultBranch is used when a caller does not name a branch.
const DefaultBranch = "main"

// Strategy selects how branches of one repository map onto cache paths.
type Strategy string

const (
	// StrategyShared keeps one cache path per repository and switches
	// branches in place.
	StrategyShared Strategy = "shared"

	// StrategyPerBranch keeps one cache path per repository and branch pair.
	StrategyPerBranch Strategy = "per-branch"
)

// ParseStrategy validates s. An empty string selects StrategyShared.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyShared:
		return StrategyShared, nil
	case StrategyPerBranch:
		return StrategyPerBranch, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidStrategy, s)
	}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyShared || s == StrategyPerBranch
}

func (s Strategy) String() string {
	return string(s)
}
