package guardrail

import (
	"sort"
)

// AdapterRegistration is a static declaration binding a persisted type
// identifier to a logical record type. Registrations are fixed at compile
// time and checked at boot; two names sharing one identifier would silently
// misinterpret stored bytes as the wrong type, which is why a collision is
// fatal.
type AdapterRegistration struct {
	TypeID int
	Name   string
}

// Collision reports a type identifier claimed by more than one name.
type Collision struct {
	TypeID int
	Names  []string
}

// Registry holds the declared adapter registrations.
type Registry struct {
	regs []AdapterRegistration
}

// NewRegistry copies the given registrations.
func NewRegistry(regs []AdapterRegistration) *Registry {
	return &Registry{regs: append([]AdapterRegistration(nil), regs...)}
}

// Register appends one declaration. Collisions are not rejected here: the
// guardrail reports all of them together at validation time.
func (r *Registry) Register(typeID int, name string) {
	r.regs = append(r.regs, AdapterRegistration{TypeID: typeID, Name: name})
}

// Registrations returns a copy of the declarations.
func (r *Registry) Registrations() []AdapterRegistration {
	return append([]AdapterRegistration(nil), r.regs...)
}

// Collisions returns every type identifier with two or more distinct names,
// sorted by identifier.
func (r *Registry) Collisions() []Collision {
	byID := make(map[int][]string)
	for _, reg := range r.regs {
		byID[reg.TypeID] = append(byID[reg.TypeID], reg.Name)
	}
	var collisions []Collision
	for id, names := range byID {
		distinct := dedupe(names)
		if len(distinct) > 1 {
			collisions = append(collisions, Collision{TypeID: id, Names: distinct})
		}
	}
	sort.Slice(collisions, func(i, j int) bool { return collisions[i].TypeID < collisions[j].TypeID })
	return collisions
}

// MissingNames returns required names with no registration, sorted.
func (r *Registry) MissingNames(required []string) []string {
	have := make(map[string]bool, len(r.regs))
	for _, reg := range r.regs {
		have[reg.Name] = true
	}
	var missing []string
	for _, name := range required {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// DefaultRegistrations is the HaloVital type registry: every record kind the
// product persists, each with its stable type identifier.
func DefaultRegistrations() []AdapterRegistration {
	return []AdapterRegistration{
		{TypeID: 1, Name: "VitalsSample"},
		{TypeID: 2, Name: "Alert"},
		{TypeID: 3, Name: "SOSEvent"},
		{TypeID: 4, Name: "GeofenceEvent"},
		{TypeID: 5, Name: "DeviceCommand"},
		{TypeID: 6, Name: "CareProfile"},
		{TypeID: 7, Name: "MedicationLog"},
		{TypeID: 8, Name: "PendingOperation"},
		{TypeID: 9, Name: "FailedOperation"},
		{TypeID: 10, Name: "LockRecord"},
		{TypeID: 11, Name: "JournalEntry"},
	}
}

// RequiredNames lists the registrations that must be present for the
// application to run at all.
func RequiredNames() []string {
	return []string{
		"VitalsSample", "Alert", "SOSEvent", "PendingOperation",
		"FailedOperation", "LockRecord", "JournalEntry",
	}
}
