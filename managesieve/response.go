package managesieve

// Status is the keyword that opens a completion response.
type Status int

const (
	StatusOK Status = iota
	StatusNO
	StatusBYE
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNO:
		return "NO"
	case StatusBYE:
		return "BYE"
	}
	return "UNKNOWN"
}

// Response is one parsed server response. The concrete types are
// *Completion, *CapabilityData, *ScriptListing, *ScriptBody and *Challenge.
type Response interface {
	isResponse()
}

// Completion terminates every reply.
type Completion struct {
	Status Status
	Code   *ResponseCode // nil when absent
	Text   string        // human readable text, empty when absent
}

// CapabilityEntry is one line of a capability block.
type CapabilityEntry struct {
	Name     string
	Value    string
	HasValue bool
}

// CapabilityData holds the capability lines of a reply, in order.
type CapabilityData struct {
	Entries []CapabilityEntry
}

// ScriptEntry is one line of a LISTSCRIPTS reply.
type ScriptEntry struct {
	Name   string
	Active bool
}

// ScriptListing holds the LISTSCRIPTS lines of a reply, in order.
type ScriptListing struct {
	Entries []ScriptEntry
}

// ScriptBody is the content returned by GETSCRIPT, byte for byte.
type ScriptBody struct {
	Content []byte
}

// Challenge is a SASL server challenge received during AUTHENTICATE. Data is
// the string as sent, i.e. still base64 encoded.
type Challenge struct {
	Data []byte
}

func (*Completion) isResponse()     {}
func (*CapabilityData) isResponse() {}
func (*ScriptListing) isResponse()  {}
func (*ScriptBody) isResponse()     {}
func (*Challenge) isResponse()      {}

// Reply is everything the server sent for one command: data responses in
// order, then the completion. A reply that stops at a SASL challenge has a
// nil Completion and a non-nil Challenge.
type Reply struct {
	Data       []Response
	Completion *Completion
	Challenge  *Challenge
}

// Capabilities returns the merged capability lines of the reply, or nil.
func (r *Reply) Capabilities() *CapabilityData {
	for _, d := range r.Data {
		if c, ok := d.(*CapabilityData); ok {
			return c
		}
	}
	return nil
}

// Listing returns the merged script listing of the reply. An empty listing
// is returned, not nil, when the server sent no scripts.
func (r *Reply) Listing() *ScriptListing {
	for _, d := range r.Data {
		if l, ok := d.(*ScriptListing); ok {
			return l
		}
	}
	return &ScriptListing{}
}

// Body returns the GETSCRIPT content of the reply, or nil.
func (r *Reply) Body() *ScriptBody {
	for _, d := range r.Data {
		if b, ok := d.(*ScriptBody); ok {
			return b
		}
	}
	return nil
}

// add appends a data response, merging consecutive capability and listing
// lines into a single value.
func (r *Reply) add(resp Response) {
	switch v := resp.(type) {
	case *CapabilityData:
		if c := r.Capabilities(); c != nil {
			c.Entries = append(c.Entries, v.Entries...)
			return
		}
	case *ScriptListing:
		for _, d := range r.Data {
			if l, ok := d.(*ScriptListing); ok {
				l.Entries = append(l.Entries, v.Entries...)
				return
			}
		}
	}
	r.Data = append(r.Data, resp)
}
