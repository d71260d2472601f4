package channel

// Relation describes how a local snapshot relates to a remote one.
type Relation int

const (
	RelationEqual Relation = iota
	RelationLocalAhead
	RelationRemoteAhead
	RelationConflict
)

func (r Relation) String() string {
	switch r {
	case RelationEqual:
		return "equal"
	case RelationLocalAhead:
		return "local_ahead"
	case RelationRemoteAhead:
		return "remote_ahead"
	case RelationConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Compare classifies two snapshots of the same channel by their monotonic
// counters. Snapshots that each hold progress the other lacks, or that
// carry identical counters but different content, conflict.
func Compare(local, remote *Channel) Relation {
	la := aheadOf(local, remote)
	ra := aheadOf(remote, local)
	switch {
	case la && ra:
		return RelationConflict
	case la:
		return RelationLocalAhead
	case ra:
		return RelationRemoteAhead
	}
	if !local.Equal(remote) {
		return RelationConflict
	}
	return RelationEqual
}

// aheadOf reports whether a holds committed progress that b lacks.
func aheadOf(a, b *Channel) bool {
	if a.NumProposedApps > b.NumProposedApps {
		return true
	}
	if a.FreeBalance.LatestVersionNumber > b.FreeBalance.LatestVersionNumber {
		return true
	}
	for h, app := range a.AppInstances {
		if other, ok := b.AppInstances[h]; ok {
			if app.LatestVersionNumber > other.LatestVersionNumber {
				return true
			}
			continue
		}
		// installed here, still a proposal there
		if _, ok := b.ProposedAppInstances[h]; ok {
			return true
		}
		// b never saw the proposal
		if app.AppSeqNo > b.NumProposedApps {
			return true
		}
	}
	for h, p := range a.ProposedAppInstances {
		if b.HasAppOrProposal(h) {
			continue
		}
		if p.AppSeqNo > b.NumProposedApps {
			return true
		}
	}
	// a rejected a proposal b still holds
	for h, p := range b.ProposedAppInstances {
		if a.HasAppOrProposal(h) {
			continue
		}
		if p.AppSeqNo <= a.NumProposedApps {
			return true
		}
	}
	// a uninstalled an app b still holds
	for h, app := range b.AppInstances {
		if a.HasAppOrProposal(h) {
			continue
		}
		if app.AppSeqNo <= a.NumProposedApps {
			return true
		}
	}
	return false
}

// Merge overwrites local with remote field by field without discarding any
// local record that is strictly newer than its remote counterpart.
func Merge(local, remote *Channel) *Channel {
	out := remote.Clone()
	out.Normalize()
	if local == nil {
		return out
	}
	if local.NumProposedApps > out.NumProposedApps {
		out.NumProposedApps = local.NumProposedApps
	}
	if local.FreeBalance.LatestVersionNumber > remote.FreeBalance.LatestVersionNumber {
		out.FreeBalance = FreeBalance{
			IdentityHash:        local.FreeBalance.IdentityHash,
			AppSeqNo:            local.FreeBalance.AppSeqNo,
			LatestVersionNumber: local.FreeBalance.LatestVersionNumber,
			Balances:            local.FreeBalance.Balances.Clone(),
		}
	}
	for h, app := range local.AppInstances {
		if other, ok := out.AppInstances[h]; ok {
			if app.LatestVersionNumber > other.LatestVersionNumber {
				out.AppInstances[h] = cloneApp(app)
			}
			continue
		}
		if app.AppSeqNo > remote.NumProposedApps {
			delete(out.ProposedAppInstances, h)
			out.AppInstances[h] = cloneApp(app)
		}
	}
	for h, p := range local.ProposedAppInstances {
		if out.HasAppOrProposal(h) {
			continue
		}
		if p.AppSeqNo > remote.NumProposedApps {
			out.ProposedAppInstances[h] = cloneProposal(p)
		}
	}
	return out
}

// Summary is a compact view of a channel's counters.
type Summary struct {
	MultisigAddress    string           `json:"multisigAddress"`
	NumProposedApps    int64            `json:"numProposedApps"`
	FreeBalanceVersion int64            `json:"freeBalanceVersion"`
	AppVersions        map[string]int64 `json:"appVersions"`
	Proposals          map[string]int64 `json:"proposals"`
}

// Summarize extracts the counters of a channel.
func (c *Channel) Summarize() Summary {
	s := Summary{
		MultisigAddress:    c.MultisigAddress,
		NumProposedApps:    c.NumProposedApps,
		FreeBalanceVersion: c.FreeBalance.LatestVersionNumber,
		AppVersions:        make(map[string]int64, len(c.AppInstances)),
		Proposals:          make(map[string]int64, len(c.ProposedAppInstances)),
	}
	for h, app := range c.AppInstances {
		s.AppVersions[h] = app.LatestVersionNumber
	}
	for h, p := range c.ProposedAppInstances {
		s.Proposals[h] = p.AppSeqNo
	}
	return s
}
