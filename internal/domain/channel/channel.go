package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// FreeBalanceAppDefinition names the always-installed accounting app.
const FreeBalanceAppDefinition = "free-balance"

var (
	ErrChannelNotFound     = errors.New("channel not found")
	ErrChannelExists       = errors.New("channel already exists")
	ErrProposalNotFound    = errors.New("no such proposal")
	ErrAppNotFound         = errors.New("no such app instance")
	ErrStaleVersion        = errors.New("stale version number")
	ErrInsufficientBalance = errors.New("insufficient free balance")
	ErrInvalidOwners       = errors.New("a channel needs exactly two owners")
)

// Balances maps asset id -> owner identity -> amount.
type Balances map[string]map[string]*big.Int

// Get returns the balance for (asset, owner), zero when absent.
func (b Balances) Get(asset, owner string) *big.Int {
	if b == nil || b[asset] == nil || b[asset][owner] == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b[asset][owner])
}

// Add adds delta (which may be negative) to (asset, owner).
func (b Balances) Add(asset, owner string, delta *big.Int) {
	if delta == nil {
		return
	}
	if b[asset] == nil {
		b[asset] = map[string]*big.Int{}
	}
	b[asset][owner] = new(big.Int).Add(b.Get(asset, owner), delta)
}

// Clone deep-copies the balances.
func (b Balances) Clone() Balances {
	if b == nil {
		return nil
	}
	out := make(Balances, len(b))
	for asset, owners := range b {
		m := make(map[string]*big.Int, len(owners))
		for owner, amount := range owners {
			if amount != nil {
				m[owner] = new(big.Int).Set(amount)
			}
		}
		out[asset] = m
	}
	return out
}

// FreeBalance is the accounting app tracking each owner's off-chain balance.
type FreeBalance struct {
	IdentityHash        string   `json:"identityHash"`
	AppSeqNo            int64    `json:"appSeqNo"`
	LatestVersionNumber int64    `json:"latestVersionNumber"`
	Balances            Balances `json:"balances"`
}

// Proposal is an offer to install an app that has not been committed yet.
type Proposal struct {
	IdentityHash            string          `json:"identityHash"`
	AppDefinition           string          `json:"appDefinition"`
	Initiator               string          `json:"initiator"`
	Responder               string          `json:"responder"`
	InitialState            json.RawMessage `json:"initialState"`
	Timeout                 int64           `json:"timeout"`
	AppSeqNo                int64           `json:"appSeqNo"`
	InitiatorDeposit        *big.Int        `json:"initiatorDeposit"`
	InitiatorDepositAssetID string          `json:"initiatorDepositAssetId"`
	ResponderDeposit        *big.Int        `json:"responderDeposit"`
	ResponderDepositAssetID string          `json:"responderDepositAssetId"`
	Meta                    json.RawMessage `json:"meta,omitempty"`
}

// Participants returns [initiator, responder].
func (p Proposal) Participants() []string {
	return []string{p.Initiator, p.Responder}
}

// AppInstance is an installed app and its latest signed state.
type AppInstance struct {
	IdentityHash            string          `json:"identityHash"`
	AppDefinition           string          `json:"appDefinition"`
	Initiator               string          `json:"initiator"`
	Responder               string          `json:"responder"`
	Timeout                 int64           `json:"timeout"`
	AppSeqNo                int64           `json:"appSeqNo"`
	InitiatorDeposit        *big.Int        `json:"initiatorDeposit"`
	InitiatorDepositAssetID string          `json:"initiatorDepositAssetId"`
	ResponderDeposit        *big.Int        `json:"responderDeposit"`
	ResponderDepositAssetID string          `json:"responderDepositAssetId"`
	LatestState             json.RawMessage `json:"latestState"`
	LatestVersionNumber     int64           `json:"latestVersionNumber"`
	LatestAction            json.RawMessage `json:"latestAction,omitempty"`
	Meta                    json.RawMessage `json:"meta,omitempty"`
}

// Channel is the persisted aggregate for one two-party channel.
// Apps and proposals are keyed by identity hash.
type Channel struct {
	MultisigAddress      string                 `json:"multisigAddress"`
	Owners               []string               `json:"owners"`
	FreeBalance          FreeBalance            `json:"freeBalance"`
	AppInstances         map[string]AppInstance `json:"appInstances"`
	ProposedAppInstances map[string]Proposal    `json:"proposedAppInstances"`
	NumProposedApps      int64                  `json:"numProposedApps"`
}

// New creates a channel with its free balance at version 1.
func New(owners []string, initial Balances) (*Channel, error) {
	sorted := SortedOwners(owners)
	multisig, err := DeriveMultisigAddress(sorted)
	if err != nil {
		return nil, err
	}
	fbHash, err := freeBalanceIdentityHash(multisig, sorted)
	if err != nil {
		return nil, err
	}
	balances := initial.Clone()
	if balances == nil {
		balances = Balances{}
	}
	for asset, m := range balances {
		for owner, amount := range m {
			if !containsString(sorted, owner) {
				return nil, fmt.Errorf("initial balance for non-owner %s", owner)
			}
			if amount.Sign() < 0 {
				return nil, fmt.Errorf("negative initial balance for %s in %s", owner, asset)
			}
		}
	}
	return &Channel{
		MultisigAddress: multisig,
		Owners:          sorted,
		FreeBalance: FreeBalance{
			IdentityHash:        fbHash,
			AppSeqNo:            0,
			LatestVersionNumber: 1,
			Balances:            balances,
		},
		AppInstances:         map[string]AppInstance{},
		ProposedAppInstances: map[string]Proposal{},
		NumProposedApps:      0,
	}, nil
}

// HasOwner reports whether identity is one of the channel owners.
func (c *Channel) HasOwner(identity string) bool {
	return containsString(c.Owners, identity)
}

// Counterparty returns the owner that is not identity.
func (c *Channel) Counterparty(identity string) string {
	for _, o := range c.Owners {
		if o != identity {
			return o
		}
	}
	return ""
}

// NextAppSeqNo is the appSeqNo the next proposal must carry.
func (c *Channel) NextAppSeqNo() int64 {
	return c.NumProposedApps + 1
}

// AddProposal records a new proposal and bumps numProposedApps.
func (c *Channel) AddProposal(p Proposal) error {
	if p.AppSeqNo != c.NextAppSeqNo() {
		return fmt.Errorf("%w: proposal appSeqNo %d, expected %d", ErrStaleVersion, p.AppSeqNo, c.NextAppSeqNo())
	}
	if _, ok := c.ProposedAppInstances[p.IdentityHash]; ok {
		return fmt.Errorf("%w: proposal %s already recorded", ErrStaleVersion, p.IdentityHash)
	}
	c.ensureMaps()
	c.ProposedAppInstances[p.IdentityHash] = cloneProposal(p)
	c.NumProposedApps++
	return nil
}

// RemoveProposal drops a proposal without installing it.
func (c *Channel) RemoveProposal(identityHash string) error {
	if _, ok := c.ProposedAppInstances[identityHash]; !ok {
		return ErrProposalNotFound
	}
	delete(c.ProposedAppInstances, identityHash)
	return nil
}

// InstallApp moves a proposal into the installed set, debiting deposits
// from the free balance and bumping its version.
func (c *Channel) InstallApp(identityHash string) (AppInstance, error) {
	p, ok := c.ProposedAppInstances[identityHash]
	if !ok {
		return AppInstance{}, ErrProposalNotFound
	}
	balances := c.FreeBalance.Balances.Clone()
	if balances == nil {
		balances = Balances{}
	}
	if err := debit(balances, p.InitiatorDepositAssetID, p.Initiator, p.InitiatorDeposit); err != nil {
		return AppInstance{}, err
	}
	if err := debit(balances, p.ResponderDepositAssetID, p.Responder, p.ResponderDeposit); err != nil {
		return AppInstance{}, err
	}
	app := AppInstance{
		IdentityHash:            p.IdentityHash,
		AppDefinition:           p.AppDefinition,
		Initiator:               p.Initiator,
		Responder:               p.Responder,
		Timeout:                 p.Timeout,
		AppSeqNo:                p.AppSeqNo,
		InitiatorDeposit:        cloneInt(p.InitiatorDeposit),
		InitiatorDepositAssetID: p.InitiatorDepositAssetID,
		ResponderDeposit:        cloneInt(p.ResponderDeposit),
		ResponderDepositAssetID: p.ResponderDepositAssetID,
		LatestState:             cloneRaw(p.InitialState),
		LatestVersionNumber:     1,
		Meta:                    cloneRaw(p.Meta),
	}
	c.ensureMaps()
	delete(c.ProposedAppInstances, identityHash)
	c.AppInstances[identityHash] = app
	c.FreeBalance.Balances = balances
	c.FreeBalance.LatestVersionNumber++
	return cloneApp(app), nil
}

// UninstallApp removes an installed app and credits its outcome to the
// free balance.
func (c *Channel) UninstallApp(identityHash string, outcome Balances) error {
	if _, ok := c.AppInstances[identityHash]; !ok {
		return ErrAppNotFound
	}
	balances := c.FreeBalance.Balances.Clone()
	if balances == nil {
		balances = Balances{}
	}
	for asset, m := range outcome {
		for owner, amount := range m {
			if !c.HasOwner(owner) {
				return fmt.Errorf("outcome pays non-owner %s", owner)
			}
			if amount.Sign() < 0 {
				return fmt.Errorf("negative outcome for %s", owner)
			}
			balances.Add(asset, owner, amount)
		}
	}
	delete(c.AppInstances, identityHash)
	c.FreeBalance.Balances = balances
	c.FreeBalance.LatestVersionNumber++
	return nil
}

// SetAppState records version of an app's state. version must be exactly
// one past the app's latest version.
func (c *Channel) SetAppState(identityHash string, state, action json.RawMessage, version int64) (AppInstance, error) {
	app, ok := c.AppInstances[identityHash]
	if !ok {
		return AppInstance{}, ErrAppNotFound
	}
	if version != app.LatestVersionNumber+1 {
		return AppInstance{}, fmt.Errorf("%w: app %s at %d, got %d", ErrStaleVersion, identityHash, app.LatestVersionNumber, version)
	}
	app.LatestState = cloneRaw(state)
	app.LatestAction = cloneRaw(action)
	app.LatestVersionNumber = version
	c.AppInstances[identityHash] = app
	return cloneApp(app), nil
}

// MostRecentlyProposed returns the proposal with the highest appSeqNo.
func (c *Channel) MostRecentlyProposed() (Proposal, bool) {
	var (
		out   Proposal
		found bool
	)
	for _, p := range c.ProposedAppInstances {
		if !found || p.AppSeqNo > out.AppSeqNo {
			out, found = p, true
		}
	}
	return cloneProposal(out), found
}

// MostRecentlyInstalled returns the installed app with the highest appSeqNo.
func (c *Channel) MostRecentlyInstalled() (AppInstance, bool) {
	var (
		out   AppInstance
		found bool
	)
	for _, a := range c.AppInstances {
		if !found || a.AppSeqNo > out.AppSeqNo {
			out, found = a, true
		}
	}
	return cloneApp(out), found
}

// AppIdentityHashes lists installed app hashes ordered by appSeqNo.
func (c *Channel) AppIdentityHashes() []string {
	out := make([]string, 0, len(c.AppInstances))
	for h := range c.AppInstances {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return c.AppInstances[out[i]].AppSeqNo < c.AppInstances[out[j]].AppSeqNo
	})
	return out
}

// HasAppOrProposal reports whether identityHash is known to the channel.
func (c *Channel) HasAppOrProposal(identityHash string) bool {
	if _, ok := c.AppInstances[identityHash]; ok {
		return true
	}
	_, ok := c.ProposedAppInstances[identityHash]
	return ok
}

// CanonicalJSON returns the deterministic encoding used to compare snapshots.
func (c *Channel) CanonicalJSON() ([]byte, error) {
	cp := c.Clone()
	cp.ensureMaps()
	if cp.FreeBalance.Balances == nil {
		cp.FreeBalance.Balances = Balances{}
	}
	return json.Marshal(cp)
}

// Equal reports whether two snapshots are byte-identical when encoded.
func (c *Channel) Equal(other *Channel) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, err := c.CanonicalJSON()
	if err != nil {
		return false
	}
	b, err := other.CanonicalJSON()
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// Clone deep-copies the channel.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := &Channel{
		MultisigAddress: c.MultisigAddress,
		Owners:          append([]string(nil), c.Owners...),
		FreeBalance: FreeBalance{
			IdentityHash:        c.FreeBalance.IdentityHash,
			AppSeqNo:            c.FreeBalance.AppSeqNo,
			LatestVersionNumber: c.FreeBalance.LatestVersionNumber,
			Balances:            c.FreeBalance.Balances.Clone(),
		},
		AppInstances:         make(map[string]AppInstance, len(c.AppInstances)),
		ProposedAppInstances: make(map[string]Proposal, len(c.ProposedAppInstances)),
		NumProposedApps:      c.NumProposedApps,
	}
	for k, v := range c.AppInstances {
		out.AppInstances[k] = cloneApp(v)
	}
	for k, v := range c.ProposedAppInstances {
		out.ProposedAppInstances[k] = cloneProposal(v)
	}
	return out
}

func (c *Channel) ensureMaps() {
	if c.AppInstances == nil {
		c.AppInstances = map[string]AppInstance{}
	}
	if c.ProposedAppInstances == nil {
		c.ProposedAppInstances = map[string]Proposal{}
	}
}

// Normalize fills nil collections after decoding.
func (c *Channel) Normalize() {
	c.ensureMaps()
	if c.FreeBalance.Balances == nil {
		c.FreeBalance.Balances = Balances{}
	}
}

func debit(b Balances, asset, owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative deposit for %s", owner)
	}
	if b.Get(asset, owner).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s", ErrInsufficientBalance, owner, b.Get(asset, owner), asset, amount)
	}
	b.Add(asset, owner, new(big.Int).Neg(amount))
	return nil
}

func cloneApp(a AppInstance) AppInstance {
	a.InitiatorDeposit = cloneInt(a.InitiatorDeposit)
	a.ResponderDeposit = cloneInt(a.ResponderDeposit)
	a.LatestState = cloneRaw(a.LatestState)
	a.LatestAction = cloneRaw(a.LatestAction)
	a.Meta = cloneRaw(a.Meta)
	return a
}

func cloneProposal(p Proposal) Proposal {
	p.InitiatorDeposit = cloneInt(p.InitiatorDeposit)
	p.ResponderDeposit = cloneInt(p.ResponderDeposit)
	p.InitialState = cloneRaw(p.InitialState)
	p.Meta = cloneRaw(p.Meta)
	return p
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

func containsString(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
