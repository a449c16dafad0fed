package config

import "github.com/l4m4re/growatt-rtu-broker/internal/mbus"

// Rule allows a register range (To inclusive; a zero To means the single
// register From) for a set of function codes and station (unit) ids. A
// rule with no stations listed covers station 1 only, and one with no
// functions listed covers function codes 1-4 only. With no rules
// configured the broker is fully transparent; with rules, a request must
// match one to pass.
type Rule struct {
	From      uint16  `yaml:"from"`
	To        uint16  `yaml:"to"`
	Functions []uint8 `yaml:"functions"`
	Stations  []uint8 `yaml:"stations"`
}

var (
	defaultAllowStations  = []uint8{1}
	defaultAllowFunctions = []uint8{1, 2, 3, 4}
)

func findUint8(s []uint8, v uint8) bool {
	for _, item := range s {
		if v == item {
			return true
		}
	}
	return false
}

// Allowed checks a decoded request against the rule set. Requests whose
// register span cannot be decoded (unknown function codes) never match a
// rule: a restricted broker only forwards what it understands.
func Allowed(rules []Rule, info mbus.Info) bool {
	if len(rules) == 0 {
		return true
	}
	if info.Addr == nil {
		return false
	}
	count := uint16(1)
	if info.Count != nil {
		count = *info.Count
	}
	a1 := *info.Addr
	a2 := a1 + count - 1
	for _, rule := range rules {
		stations := rule.Stations
		if len(stations) == 0 {
			stations = defaultAllowStations
		}
		if !findUint8(stations, info.UID) {
			continue
		}
		lower := rule.From
		upper := rule.To
		if upper == 0 {
			upper = lower
		}
		if a1 < lower || a1 > upper || a2 < lower || a2 > upper {
			continue
		}
		fns := rule.Functions
		if len(fns) == 0 {
			fns = defaultAllowFunctions
		}
		if !findUint8(fns, info.Func) {
			continue
		}
		return true
	}
	return false
}
