package models

// Origin names the network path a candidate address came from.
type Origin string

const (
	OriginLAN   Origin = "lan"
	OriginDDNS  Origin = "ddns"
	OriginWAN   Origin = "wan"
	OriginRelay Origin = "relay"
)

// Candidate is one address hypothesis for reaching a device.
type Candidate struct {
	Address string
	Origin  Origin
}

// CandidateSet is produced fresh by every full resolution.
type CandidateSet struct {
	Identity   string
	Candidates []Candidate
	// Errno is the raw error code reported by the lookup service.
	Errno int
}

// Addresses returns the candidate addresses in order.
func (s CandidateSet) Addresses() []string {
	out := make([]string, 0, len(s.Candidates))
	for _, c := range s.Candidates {
		out = append(out, c.Address)
	}
	return out
}
