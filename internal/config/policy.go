package config

// Policy is the client-facing policy derived from RouterConfig. It is
// immutable; a reload builds a new one.
type Policy struct {
	bannedUserAgents     map[string]struct{}
	bannedClientVersions map[string]struct{}
	nonRPC               map[string]struct{}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Policy builds the client policy from the router section. Configured
// non-RPC events extend DefaultNonRPCEvents.
func (r RouterConfig) Policy() *Policy {
	nonRPC := toSet(DefaultNonRPCEvents)
	for _, ev := range r.NonRPCEvents {
		nonRPC[ev] = struct{}{}
	}
	return &Policy{
		bannedUserAgents:     toSet(r.BannedUserAgents),
		bannedClientVersions: toSet(r.BannedClientVersions),
		nonRPC:               nonRPC,
	}
}

// BannedUserAgent reports whether the exact User-Agent value is denied.
func (p *Policy) BannedUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	_, ok := p.bannedUserAgents[ua]
	return ok
}

// BannedClientVersion reports whether the exact client version is denied.
func (p *Policy) BannedClientVersion(v string) bool {
	if v == "" {
		return false
	}
	_, ok := p.bannedClientVersions[v]
	return ok
}

// NonRPC reports whether responses to the event are never correlated.
func (p *Policy) NonRPC(event string) bool {
	_, ok := p.nonRPC[event]
	return ok
}
