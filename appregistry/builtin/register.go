package builtin

import "github.com/kestrelnet/ptb/appregistry"

// RegisterAll wires every built-in Application into reg, the set the
// Controller registers at startup before any testbed-package fallback
// load is attempted (§4.6).
func RegisterAll(reg *appregistry.Registry, testbedPackageDir string) error {
	factories := []appregistry.Factory{
		NewPingApplication,
		NewIperf3ServerApplication,
		NewIperf3ClientApplication,
		NewProcmonApplication,
		NewRunProgramApplicationFactory(testbedPackageDir),
	}
	for _, f := range factories {
		if err := reg.RegisterBuiltin(f); err != nil {
			return err
		}
	}
	return nil
}
