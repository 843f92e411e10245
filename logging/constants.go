package logging

// These constants are used to identify the various services that may do some logging, as the value for a
// NewSubLogger("service", ...) call. Keeping them centralized makes log output grep-able by component.
const (
	// AllocatorService identifies the resource allocator component.
	AllocatorService = "allocator"
	// AccountsService identifies the account provisioner component.
	AccountsService = "accounts"
	// EVMService identifies an EVM adapter (geth or ganache).
	EVMService = "evm"
	// WorkerService identifies a chain worker state machine.
	WorkerService = "worker"
	// RegistryService identifies the chain registry.
	RegistryService = "registry"
	// SupervisorService identifies the chain supervisor.
	SupervisorService = "supervisor"
	// SnapshotService identifies the snapshot manager.
	SnapshotService = "snapshot"
	// NotifyService identifies the notification bus.
	NotifyService = "notify"
	// FacadeService identifies the chain facade.
	FacadeService = "facade"
	// CLIService identifies the cmd package.
	CLIService = "cli"
)
