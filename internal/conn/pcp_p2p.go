package conn

// pointToPointPolicy implements PcpPolicy for P2P_POINT_TO_POINT: at
// most one connection total, incoming or outgoing; both directions
// require the connection table to be empty (spec.md section 4.3.6).
type pointToPointPolicy struct{}

// NewPointToPointPolicy returns the PcpPolicy for StrategyPointToPoint.
func NewPointToPointPolicy() PcpPolicy { return pointToPointPolicy{} }

func (pointToPointPolicy) Pcp() Pcp { return PcpPointToPoint }

func (pointToPointPolicy) CanSendOutgoing(cp *ClientProxy) bool {
	return cp.TotalCount() == 0
}

func (pointToPointPolicy) CanReceiveIncoming(cp *ClientProxy) bool {
	return cp.TotalCount() == 0
}
