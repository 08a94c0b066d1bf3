package backend

import (
	"fmt"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/inbox"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/pkg/config"
	"github.com/datafedhq/datafed/pkg/logger"
)

// Deps is everything a backend factory may need
type Deps struct {
	Config    *config.Config
	Directory *federation.Directory
	Receiver  inbox.Receiver
	Logger    *logger.Logger
}

// Factory builds a backend from its dependencies
type Factory func(Deps) (outbox.Backend, error)

// factories is the compile-time set of known backends. Adding a
// transport means adding an entry here; config only ever selects by
// name.
var factories = map[string]Factory{
	"direct":   newDirect,
	"workflow": newWorkflow,
	"ledger":   newLedger,
	"local":    newLocal,
}

// Names returns the known backend names
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// Build resolves one backend by name
func Build(name string, deps Deps) (outbox.Backend, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown outbox backend %q", name)
	}
	return factory(deps)
}

// Resolve reads the two backend slots from config and builds them. The
// point-to-point slot serves addressed messages, the broadcast slot
// serves messages without a recipient. Empty slots stay nil; the
// dispatcher fails messages routed to a missing slot.
func Resolve(deps Deps) (point, broadcast outbox.Backend, err error) {
	if name := deps.Config.Get("federation.outbox.backend"); name != "" {
		point, err = Build(name, deps)
		if err != nil {
			return nil, nil, fmt.Errorf("point-to-point backend: %w", err)
		}
	}
	if name := deps.Config.Get("federation.outbox.broadcast_backend"); name != "" {
		broadcast, err = Build(name, deps)
		if err != nil {
			return nil, nil, fmt.Errorf("broadcast backend: %w", err)
		}
	}
	return point, broadcast, nil
}

func newDirect(deps Deps) (outbox.Backend, error) {
	tlsCfg := DirectTLS{
		CertFile: deps.Config.Get("federation.outbox.direct.cert_file"),
		KeyFile:  deps.Config.Get("federation.outbox.direct.key_file"),
		CAFile:   deps.Config.Get("federation.outbox.direct.ca_file"),
	}
	return NewDirectBackend(deps.Directory, tlsCfg, deps.Logger)
}

func newWorkflow(deps Deps) (outbox.Backend, error) {
	endpoint := deps.Config.Get("federation.outbox.workflow.endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("federation.outbox.workflow.endpoint is not set")
	}
	return NewWorkflowBackend(endpoint, deps.Logger), nil
}

func newLedger(deps Deps) (outbox.Backend, error) {
	endpoint := deps.Config.Get("federation.outbox.ledger.endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("federation.outbox.ledger.endpoint is not set")
	}
	return NewLedgerBackend(endpoint, deps.Directory, deps.Logger), nil
}

func newLocal(deps Deps) (outbox.Backend, error) {
	if deps.Receiver == nil {
		return nil, fmt.Errorf("local backend needs an inbox receiver")
	}
	return NewLocalBackend(deps.Directory, deps.Receiver, deps.Logger), nil
}
