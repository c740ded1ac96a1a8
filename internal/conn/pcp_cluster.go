package conn

// clusterPolicy implements PcpPolicy for P2P_CLUSTER: many connections
// in, many connections out, no topology restriction (spec.md section
// 4.3.6: "Cluster: many in, many out").
type clusterPolicy struct{}

// NewClusterPolicy returns the PcpPolicy for StrategyCluster.
func NewClusterPolicy() PcpPolicy { return clusterPolicy{} }

func (clusterPolicy) Pcp() Pcp { return PcpCluster }

func (clusterPolicy) CanSendOutgoing(cp *ClientProxy) bool { return true }

func (clusterPolicy) CanReceiveIncoming(cp *ClientProxy) bool { return true }
