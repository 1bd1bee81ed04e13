package resolver

import (
	"fmt"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Policy keys. Most match a segment name and resolve from the tree root;
// the ones with a slash resolve relative to an enclosing order or
// observation scope. ORC and NTE have no root policy: an ORC is read
// through its OBR's order scope and notes through OrderNTE or
// ObservationNTE.
const (
	PID = "PID"
	PD1 = "PD1"
	PV1 = "PV1"
	PV2 = "PV2"
	NK1 = "NK1"
	AL1 = "AL1"
	DG1 = "DG1"
	IN1 = "IN1"
	OBR = "OBR"
	OBX = "OBX"
	SPM = "SPM"
	RXA = "RXA"
	Z   = "Z"

	OrderOBX       = "ORDER/OBX"
	OrderSPM       = "ORDER/SPM"
	OrderNTE       = "ORDER/NTE"
	ObservationNTE = "OBX/NTE"
)

// Policy governs the enumeration of one segment kind.
type Policy struct {
	Key     string
	Segment string
	// Candidates are tried in order; each holds one wildcard step bound to
	// the repetition index.
	Candidates []hl7v2.Path
	// Discriminator is the field that must be populated for a repetition
	// to count. Zero disables the check.
	Discriminator int
	Cap           int
}

type policySpec struct {
	segment       string
	discriminator int
	cap           int
	candidates    []string
}

var defaultPolicies = map[string]policySpec{
	PID: {"PID", 3, 1, []string{
		"PID(*)",
		"PATIENT/PID(*)",
		"PATIENT_RESULT/PATIENT/PID(*)",
	}},
	PD1: {"PD1", 0, 1, []string{
		"PD1(*)",
		"PATIENT/PD1(*)",
		"PATIENT_RESULT/PATIENT/PD1(*)",
	}},
	PV1: {"PV1", 2, 1, []string{
		"PV1(*)",
		"PATIENT/PV1(*)",
		"PATIENT/VISIT/PV1(*)",
		"PATIENT/PATIENT_VISIT/PV1(*)",
		"PATIENT_RESULT/PATIENT/VISIT/PV1(*)",
	}},
	PV2: {"PV2", 0, 1, []string{
		"PV2(*)",
		"PATIENT/PV2(*)",
		"PATIENT/VISIT/PV2(*)",
		"PATIENT/PATIENT_VISIT/PV2(*)",
		"PATIENT_RESULT/PATIENT/VISIT/PV2(*)",
	}},
	NK1: {"NK1", 2, 10, []string{
		"NK1(*)",
		"PATIENT/NK1(*)",
		"PATIENT_RESULT/PATIENT/NK1(*)",
	}},
	AL1: {"AL1", 3, 50, []string{
		"AL1(*)",
		"PATIENT/AL1(*)",
	}},
	DG1: {"DG1", 3, 50, []string{
		"DG1(*)",
		"PATIENT/DG1(*)",
	}},
	IN1: {"IN1", 2, 10, []string{
		"IN1(*)",
		"INSURANCE(*)/IN1",
		"PATIENT/INSURANCE(*)/IN1",
	}},
	OBR: {"OBR", 4, 100, []string{
		"OBR(*)",
		"ORDER(*)/OBR",
		"ORDER(*)/ORDER_DETAIL/OBR",
		"ORDER(*)/OBSERVATION_REQUEST/OBR",
		"PATIENT_RESULT/ORDER_OBSERVATION(*)/OBR",
	}},
	OBX: {"OBX", 3, 100, []string{
		"OBX(*)",
		"PATIENT/OBX(*)",
	}},
	SPM: {"SPM", 4, 10, []string{
		"SPM(*)",
	}},
	RXA: {"RXA", 5, 20, []string{
		"RXA(*)",
		"ORDER(*)/RXA",
	}},
	OrderOBX: {"OBX", 3, 100, []string{
		"OBX(*)",
		"OBSERVATION(*)/OBX",
		"ORDER_DETAIL/OBSERVATION(*)/OBX",
		"OBSERVATION_REQUEST/OBSERVATION(*)/OBX",
	}},
	OrderSPM: {"SPM", 4, 10, []string{
		"SPM(*)",
		"SPECIMEN(*)/SPM",
		"OBSERVATION_REQUEST/SPECIMEN(*)/SPM",
	}},
	OrderNTE: {"NTE", 3, 50, []string{
		"NTE(*)",
		"ORDER_DETAIL/NTE(*)",
		"OBSERVATION_REQUEST/NTE(*)",
	}},
	ObservationNTE: {"NTE", 3, 50, []string{
		"NTE(*)",
	}},
	Z: {"", 0, 20, nil},
}

// DefaultCaps returns the built-in safety cap of every policy key.
func DefaultCaps() map[string]int {
	caps := make(map[string]int, len(defaultPolicies))
	for k, s := range defaultPolicies {
		caps[k] = s.cap
	}
	return caps
}

func buildPolicies(capOverrides map[string]int) (map[string]Policy, error) {
	out := make(map[string]Policy, len(defaultPolicies))
	for key, s := range defaultPolicies {
		p := Policy{Key: key, Segment: s.segment, Discriminator: s.discriminator, Cap: s.cap}
		for _, c := range s.candidates {
			path, err := hl7v2.ParsePath(c)
			if err != nil {
				return nil, err
			}
			if path.WildcardIndex() < 0 {
				return nil, fmt.Errorf("resolver: candidate %s for %s has no wildcard", c, key)
			}
			p.Candidates = append(p.Candidates, path)
		}
		out[key] = p
	}
	for key, n := range capOverrides {
		p, ok := out[key]
		if !ok {
			return nil, fmt.Errorf("resolver: unknown policy %q", key)
		}
		if n < 1 {
			return nil, fmt.Errorf("resolver: cap for %s must be positive, got %d", key, n)
		}
		p.Cap = n
		out[key] = p
	}
	return out, nil
}

// ParseCaps reads overrides written as "OBX=200,NK1=5".
func ParseCaps(s string) (map[string]int, error) {
	caps := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("resolver: invalid cap %q", part)
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &n); err != nil {
			return nil, fmt.Errorf("resolver: invalid cap value in %q", part)
		}
		caps[strings.TrimSpace(key)] = n
	}
	return caps, nil
}
