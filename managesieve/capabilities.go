package managesieve

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version from the VERSION capability.
type Version struct {
	Major uint64
	Minor uint64
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Capabilities is the typed view of a capability block.
type Capabilities struct {
	Implementation string
	SASL           []string
	Sieve          []string
	StartTLS       bool
	MaxRedirects   *uint64
	Notify         []string
	Language       string
	Owner          string
	Version        *Version
	Unauthenticate bool
	// Others holds capabilities without a dedicated field, keyed by
	// upper-cased name.
	Others map[string]string

	entries []CapabilityEntry
}

// NewCapabilities interprets capability lines. Names are case-insensitive.
// A known capability with an unparsable value is a protocol violation;
// missing capabilities are not, see Validate.
func NewCapabilities(entries []CapabilityEntry) (*Capabilities, error) {
	c := &Capabilities{
		Others:  make(map[string]string),
		entries: append([]CapabilityEntry(nil), entries...),
	}
	for _, e := range entries {
		switch strings.ToUpper(e.Name) {
		case "IMPLEMENTATION":
			c.Implementation = e.Value
		case "SASL":
			c.SASL = splitList(e.Value)
		case "SIEVE":
			c.Sieve = splitList(e.Value)
		case "STARTTLS":
			c.StartTLS = true
		case "MAXREDIRECTS":
			n, err := strconv.ParseUint(strings.TrimSpace(e.Value), 10, 64)
			if err != nil {
				return nil, protocolErrorf("bad MAXREDIRECTS value %q", e.Value)
			}
			c.MaxRedirects = &n
		case "NOTIFY":
			c.Notify = splitList(e.Value)
		case "LANGUAGE":
			c.Language = e.Value
		case "OWNER":
			c.Owner = e.Value
		case "VERSION":
			v, err := parseVersion(e.Value)
			if err != nil {
				return nil, err
			}
			c.Version = &v
		case "UNAUTHENTICATE":
			c.Unauthenticate = true
		default:
			c.Others[strings.ToUpper(e.Name)] = e.Value
		}
	}
	return c, nil
}

// Entries returns the capability lines as received.
func (c *Capabilities) Entries() []CapabilityEntry {
	return append([]CapabilityEntry(nil), c.entries...)
}

// Validate checks the block against RFC 5804: IMPLEMENTATION, SIEVE and
// VERSION are required and no capability may repeat. The client does not
// enforce this since deployed servers omit VERSION.
func (c *Capabilities) Validate() error {
	seen := make(map[string]bool, len(c.entries))
	for _, e := range c.entries {
		name := strings.ToUpper(e.Name)
		if seen[name] {
			return protocolErrorf("duplicate capability %q", name)
		}
		seen[name] = true
	}
	for _, required := range []string{"IMPLEMENTATION", "SIEVE", "VERSION"} {
		if !seen[required] {
			return protocolErrorf("missing required capability %q", required)
		}
	}
	return nil
}

// HasSASL reports whether mech is advertised. The comparison ignores case.
func (c *Capabilities) HasSASL(mech string) bool {
	for _, m := range c.SASL {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// HasExtension reports whether the server's Sieve implementation supports
// ext.
func (c *Capabilities) HasExtension(ext string) bool {
	for _, e := range c.Sieve {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func parseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Version{}, protocolErrorf("bad VERSION value %q", s)
	}
	maj, err1 := strconv.ParseUint(major, 10, 64)
	mnr, err2 := strconv.ParseUint(minor, 10, 64)
	if err1 != nil || err2 != nil {
		return Version{}, protocolErrorf("bad VERSION value %q", s)
	}
	return Version{Major: maj, Minor: mnr}, nil
}
