package conn

// Medium is one physical transport (glossary: Medium).
type Medium int

const (
	MediumUnknown Medium = iota
	MediumBluetooth
	MediumBLE
	MediumBLEV2
	MediumWifiLan
	MediumWifiDirect
	MediumWifiHotspot
	MediumWebRTC
)

func (m Medium) String() string {
	switch m {
	case MediumBluetooth:
		return "BLUETOOTH"
	case MediumBLE:
		return "BLE"
	case MediumBLEV2:
		return "BLE_V2"
	case MediumWifiLan:
		return "WIFI_LAN"
	case MediumWifiDirect:
		return "WIFI_DIRECT"
	case MediumWifiHotspot:
		return "WIFI_HOTSPOT"
	case MediumWebRTC:
		return "WEB_RTC"
	default:
		return "UNKNOWN_MEDIUM"
	}
}

// mediumUpgradePriority orders mediums from most to least preferred for
// bandwidth upgrade (spec.md section 4.6, lifted from the original
// implementation's concrete ordering per SPEC_FULL.md section 12).
var mediumUpgradePriority = []Medium{
	MediumWifiLan,
	MediumWifiDirect,
	MediumWifiHotspot,
	MediumWebRTC,
	MediumBluetooth,
	MediumBLE,
}

func mediumPriorityRank(m Medium) int {
	for i, candidate := range mediumUpgradePriority {
		if candidate == m {
			return i
		}
	}
	return len(mediumUpgradePriority)
}

// Pcp is the top-level topology flavour (glossary: PCP).
type Pcp int

const (
	PcpCluster Pcp = iota
	PcpStar
	PcpPointToPoint
)

func (p Pcp) String() string {
	switch p {
	case PcpCluster:
		return "P2P_CLUSTER"
	case PcpStar:
		return "P2P_STAR"
	case PcpPointToPoint:
		return "P2P_POINT_TO_POINT"
	default:
		return "UNKNOWN_PCP"
	}
}

// Strategy selects which Pcp variant a service_id uses. It mirrors the
// three concrete strategies the original exposes to callers.
type Strategy struct {
	Pcp Pcp
}

var (
	StrategyCluster      = Strategy{Pcp: PcpCluster}
	StrategyStar         = Strategy{Pcp: PcpStar}
	StrategyPointToPoint = Strategy{Pcp: PcpPointToPoint}
)

const (
	// MaxEndpointInfoLength is the maximum endpoint_info size in a normal
	// advertisement (spec.md section 6.2).
	MaxEndpointInfoLength = 131
	// MaxFastEndpointInfoLength bounds endpoint_info in a "fast" BLE
	// advertisement.
	MaxFastEndpointInfoLength = 17
	// EndpointIDLength is the fixed width of an ASCII endpoint id.
	EndpointIDLength = 4
)
