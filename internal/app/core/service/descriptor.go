package service

// Layer describes the architectural slice a service belongs to, in terms of
// the decision pipeline: requests enter at the ingress layer, pass through
// adapters to outside systems, get decided on by the engine layer, land in
// data/durability stores, and security covers boundary concerns like rate
// limiting and auth.
type Layer string

const (
	LayerIngress  Layer = "ingress"
	LayerAdapter  Layer = "adapter"
	LayerEngine   Layer = "engine"
	LayerData     Layer = "data"
	LayerSecurity Layer = "security"
)

// Descriptor advertises a service's placement and capabilities. It is optional
// and does not change runtime behavior, but allows orchestration layers and
// documentation to reason about modules consistently.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
