package overlay

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"overlayctl/internal/defaults"
	"overlayctl/internal/systemd"
	"overlayctl/internal/template"
	"overlayctl/internal/transfer"
)

// Params are the host-invariant inputs used to lay out an overlay.
type Params struct {
	SourceDir    string // local directory holding the binary and unit templates
	BinDir       string // remote directory receiving the binary
	Peers        []string
	IPAllocRange string
}

// Artifact is one local file and where it goes on every host.
type Artifact struct {
	Source  string
	Dest    string
	Options transfer.Options
}

// Provider describes an overlay network implementation: what to copy to each
// host and which services to run afterwards.
type Provider interface {
	Name() string
	Binary(p Params) Artifact
	Units(p Params) []Artifact
	Services() []systemd.ServiceDescriptor
}

// ProviderFor selects the provider by name.
func ProviderFor(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", defaults.OverlayProvider:
		return weave{}, nil
	default:
		return nil, fmt.Errorf("overlay: unknown provider %q", name)
	}
}

// Artifacts returns the binary followed by the unit files.
func Artifacts(prov Provider, p Params) []Artifact {
	return append([]Artifact{prov.Binary(p)}, prov.Units(p)...)
}

type weave struct{}

func (weave) Name() string { return defaults.OverlayProvider }

func (weave) Binary(p Params) Artifact {
	return Artifact{
		Source:  filepath.Join(p.SourceDir, defaults.BinaryName),
		Dest:    path.Join(p.BinDir, defaults.BinaryName),
		Options: transfer.RootOwned(0o755),
	}
}

func (weave) Units(p Params) []Artifact {
	unit := func(name string, rules []template.Rule) Artifact {
		opts := transfer.RootOwned(0o644)
		opts.Rules = rules
		return Artifact{
			Source:  filepath.Join(p.SourceDir, name),
			Dest:    path.Join(defaults.SystemdUnitDir, name),
			Options: opts,
		}
	}
	return []Artifact{
		unit(defaults.TargetUnit, nil),
		unit(defaults.RouterUnit, RouterRules(p)),
		unit(defaults.ProxyUnit, ProxyRules(p)),
	}
}

// Services lists the router before the proxy; the proxy attaches to the
// router's network.
func (weave) Services() []systemd.ServiceDescriptor {
	return []systemd.ServiceDescriptor{
		systemd.Overlay(defaults.RouterUnit),
		systemd.Overlay(defaults.ProxyUnit),
	}
}

// RouterRules fills the router unit template.
func RouterRules(p Params) []template.Rule {
	return []template.Rule{
		template.Set(defaults.PlaceholderBinDir, p.BinDir),
		template.Set(defaults.PlaceholderPeers, strings.Join(p.Peers, " ")),
		template.Set(defaults.PlaceholderIPAllocRange, p.IPAllocRange),
	}
}

// ProxyRules fills the proxy unit template.
func ProxyRules(p Params) []template.Rule {
	return []template.Rule{
		template.Set(defaults.PlaceholderBinDir, p.BinDir),
	}
}
