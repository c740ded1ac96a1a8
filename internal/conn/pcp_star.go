package conn

// starPolicy implements PcpPolicy for P2P_STAR: the advertiser accepts
// multiple incoming connections but originates none; the discoverer
// originates at most one outgoing connection and accepts none (spec.md
// section 4.3.6).
type starPolicy struct{}

// NewStarPolicy returns the PcpPolicy for StrategyStar.
func NewStarPolicy() PcpPolicy { return starPolicy{} }

func (starPolicy) Pcp() Pcp { return PcpStar }

func (starPolicy) CanSendOutgoing(cp *ClientProxy) bool {
	if cp.IsAdvertising() {
		return false
	}
	return cp.OutgoingCount() == 0
}

func (starPolicy) CanReceiveIncoming(cp *ClientProxy) bool {
	return cp.IsAdvertising()
}
