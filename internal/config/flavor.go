package config

import (
	"fmt"
	"sort"
	"strings"

	"overlayctl/internal/defaults"
)

// Flavor holds the defaults for one Mesos distribution.
type Flavor struct {
	Name            string
	Supported       bool
	AdminUser       string
	PublicWorker    WorkerService
	PrivateWorker   WorkerService
	ExecutorEnvFile string
}

var flavors = map[string]Flavor{
	"dcos": {
		Name:      "dcos",
		Supported: true,
		AdminUser: defaults.DCOSAdminUser,
		PublicWorker: WorkerService{
			Name:     defaults.DCOSPublicServiceName,
			UnitFile: defaults.DCOSPublicServiceFile,
		},
		PrivateWorker: WorkerService{
			Name:     defaults.DCOSPrivateServiceName,
			UnitFile: defaults.DCOSPrivateServiceFile,
		},
		ExecutorEnvFile: defaults.DCOSExecutorEnvFile,
	},
	// No agreed defaults exist for plain Mesos yet.
	"vanilla": {Name: "vanilla"},
}

// FlavorNames lists every known flavor.
func FlavorNames() []string {
	names := make([]string, 0, len(flavors))
	for n := range flavors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupFlavor returns the defaults for name. Unknown names are a
// ValidationError; known names without defaults wrap ErrUnsupportedFlavor.
func LookupFlavor(name string) (Flavor, error) {
	f, ok := flavors[name]
	if !ok {
		return Flavor{}, &ValidationError{
			Key:    KeyFlavor,
			Reason: fmt.Sprintf("%q is not one of %s", name, strings.Join(FlavorNames(), ", ")),
		}
	}
	if !f.Supported {
		return Flavor{}, fmt.Errorf("%w: %q has no defaults defined", ErrUnsupportedFlavor, name)
	}
	return f, nil
}
