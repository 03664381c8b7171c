package port

// MatchParam is one capability a stack query asks about. Include requires
// some module to satisfy it; Exclude requires that no module handles it.
type MatchParam struct {
	DoMatch   bool
	Excluded  bool
	HandledBy Mod
	MatchedBy Mod
}

func (m *MatchParam) Include() {
	m.DoMatch, m.Excluded = true, false
}

func (m *MatchParam) Exclude() {
	m.DoMatch, m.Excluded = true, true
}

func (m *MatchParam) reset() {
	m.HandledBy, m.MatchedBy = nil, nil
}

// Handle records mod as responsible for the parameter and reports a match
// when ok holds and the parameter is included.
func (m *MatchParam) Handle(mod Mod, ok bool) int {
	m.HandledBy = mod
	if m.DoMatch && !m.Excluded && ok {
		m.MatchedBy = mod
		return 1
	}
	return 0
}

func (m *MatchParam) satisfied() bool {
	if !m.DoMatch {
		return false
	}
	if m.Excluded {
		return m.HandledBy == nil
	}
	return m.MatchedBy != nil
}

// MatchValue is a MatchParam carrying a value or a wildcard.
type MatchValue struct {
	MatchParam
	Value uint
	Any   bool
}

func (m *MatchValue) Set(v uint) {
	m.Value, m.Any = v, false
	m.Include()
}

func (m *MatchValue) Wildcard() {
	m.Any = true
	m.Include()
}

// HandleValue is Handle for a module currently bound to v.
func (m *MatchValue) HandleValue(mod Mod, v uint) int {
	return m.Handle(mod, m.Any || m.Value == v)
}

// MatchParams describes the stack segment a builder wants to find.
type MatchParams struct {
	UDPDestPort   MatchValue
	TCPDestPort   MatchValue
	SRPVersion    MatchValue
	SRPVC         MatchValue
	TDest         MatchValue
	DepackVersion MatchValue
	HaveRSSI      MatchParam
	HaveDepack    MatchParam
}

func (p *MatchParams) params() []*MatchParam {
	return []*MatchParam{
		&p.UDPDestPort.MatchParam,
		&p.TCPDestPort.MatchParam,
		&p.SRPVersion.MatchParam,
		&p.SRPVC.MatchParam,
		&p.TDest.MatchParam,
		&p.DepackVersion.MatchParam,
		&p.HaveRSSI,
		&p.HaveDepack,
	}
}

// Requested is the number of parameters that take part in matching.
func (p *MatchParams) Requested() int {
	n := 0
	for _, m := range p.params() {
		if m.DoMatch {
			n++
		}
	}
	return n
}

func (p *MatchParams) Reset() {
	for _, m := range p.params() {
		m.reset()
	}
}

// FindMatches walks from top down to the transport letting every port mark
// what it handles, then counts satisfied parameters.
func (p *MatchParams) FindMatches(top Port) int {
	p.Reset()
	for cur := top; cur != nil; cur = cur.Upstream() {
		cur.Match(p)
	}
	n := 0
	for _, m := range p.params() {
		if m.satisfied() {
			n++
		}
	}
	return n
}
