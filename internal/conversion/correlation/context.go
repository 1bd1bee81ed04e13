// Package correlation holds the per-conversion scratch state that lets
// independently converted records reference each other.
package correlation

import (
	"strconv"

	"github.com/google/uuid"
)

// Context is created at the start of one conversion and discarded at its
// end. It is not safe for concurrent use; a conversion runs on one
// goroutine.
type Context struct {
	transactionID string
	patientID     string
	encounterID   string

	links   map[string]map[string]string
	members map[string]map[string][]string
}

// New returns a Context for one conversion. An empty transactionID is
// replaced with a fresh one.
func New(transactionID string) *Context {
	if transactionID == "" {
		transactionID = uuid.NewString()
	}
	return &Context{
		transactionID: transactionID,
		links:         make(map[string]map[string]string),
		members:       make(map[string]map[string][]string),
	}
}

func (c *Context) TransactionID() string { return c.transactionID }
func (c *Context) PatientID() string     { return c.patientID }
func (c *Context) EncounterID() string   { return c.encounterID }

// SetPatientID records the root patient id. Only the first non-empty value
// is kept; the return value reports whether this call set it.
func (c *Context) SetPatientID(id string) bool {
	if c.patientID != "" || id == "" {
		return false
	}
	c.patientID = id
	return true
}

// SetEncounterID records the encounter id with the same set-once rule as
// SetPatientID.
func (c *Context) SetEncounterID(id string) bool {
	if c.encounterID != "" || id == "" {
		return false
	}
	c.encounterID = id
	return true
}

// PlacerKey, FillerKey and IndexKey build the lookup keys for an order.
func PlacerKey(n string) string { return "PLACER:" + n }
func FillerKey(n string) string { return "FILLER:" + n }
func IndexKey(i int) string     { return strconv.Itoa(i) }

// Register maps key to recordID under kind. An existing mapping is never
// replaced; the return value reports whether this call wrote it.
func (c *Context) Register(kind, key, recordID string) bool {
	if key == "" || recordID == "" {
		return false
	}
	m, ok := c.links[kind]
	if !ok {
		m = make(map[string]string)
		c.links[kind] = m
	}
	if _, exists := m[key]; exists {
		return false
	}
	m[key] = recordID
	return true
}

// Lookup returns the record id registered for key under kind.
func (c *Context) Lookup(kind, key string) (string, bool) {
	id, ok := c.links[kind][key]
	return id, ok
}

// OrderKeys identifies one order by its business numbers and position.
type OrderKeys struct {
	Placer string
	Filler string
	Index  int
}

// RegisterOrder registers recordID under the placer key and filler key
// when present, and always under the positional index.
func (c *Context) RegisterOrder(kind string, k OrderKeys, recordID string) {
	if k.Placer != "" {
		c.Register(kind, PlacerKey(k.Placer), recordID)
	}
	if k.Filler != "" {
		c.Register(kind, FillerKey(k.Filler), recordID)
	}
	c.Register(kind, IndexKey(k.Index), recordID)
}

// LookupOrder resolves an order by placer key, then filler key, then
// positional index. The first hit wins.
func (c *Context) LookupOrder(kind string, k OrderKeys) (string, bool) {
	if k.Placer != "" {
		if id, ok := c.Lookup(kind, PlacerKey(k.Placer)); ok {
			return id, true
		}
	}
	if k.Filler != "" {
		if id, ok := c.Lookup(kind, FillerKey(k.Filler)); ok {
			return id, true
		}
	}
	if k.Index >= 0 {
		return c.Lookup(kind, IndexKey(k.Index))
	}
	return "", false
}

// Append adds recordID to the member list stored under key for kind.
func (c *Context) Append(kind, key, recordID string) {
	if key == "" || recordID == "" {
		return
	}
	m, ok := c.members[kind]
	if !ok {
		m = make(map[string][]string)
		c.members[kind] = m
	}
	m[key] = append(m[key], recordID)
}

// Members returns the record ids appended under key for kind, in order.
func (c *Context) Members(kind, key string) []string {
	return c.members[kind][key]
}

// Savepoint is a copy of the correlation state at one point of a
// conversion.
type Savepoint struct {
	patientID   string
	encounterID string
	links       map[string]map[string]string
	members     map[string]map[string][]string
}

// Savepoint captures the current state so a failed step can be undone
// with Rollback.
func (c *Context) Savepoint() Savepoint {
	sp := Savepoint{
		patientID:   c.patientID,
		encounterID: c.encounterID,
		links:       make(map[string]map[string]string, len(c.links)),
		members:     make(map[string]map[string][]string, len(c.members)),
	}
	for kind, m := range c.links {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		sp.links[kind] = cp
	}
	for kind, m := range c.members {
		cp := make(map[string][]string, len(m))
		for k, v := range m {
			cp[k] = append([]string(nil), v...)
		}
		sp.members[kind] = cp
	}
	return sp
}

// Rollback discards every write made since sp was taken.
func (c *Context) Rollback(sp Savepoint) {
	c.patientID = sp.patientID
	c.encounterID = sp.encounterID
	c.links = sp.links
	c.members = sp.members
}
