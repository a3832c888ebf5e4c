package topology

// ArcRequest stores the arc offset of a drawn link.
type ArcRequest struct {
	Arc float64 `json:"arc"`
}

// LinkRequest connects two nodes on a network. An empty Network lets the
// service create one.
type LinkRequest struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	Network string `json:"network,omitempty"`
}

// PeerRequest creates a BGP session or a GRE tunnel between two nodes.
type PeerRequest struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	SourceIP string `json:"source_ip,omitempty"`
	TargetIP string `json:"target_ip,omitempty"`
}

// TapRequest places a traffic tap on a node.
type TapRequest struct {
	Node string `json:"node"`
}

// HostResponse describes a managed host.
type HostResponse struct {
	Name     string `json:"name"`
	AgentURL string `json:"agent_url"`
}

// NetworksResponse lists network names.
type NetworksResponse struct {
	Networks []string `json:"networks"`
}
