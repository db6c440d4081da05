package command

const (
	// DefaultSnapshotDirName is the directory under the data dir holding
	// committed snapshot databases.
	DefaultSnapshotDirName = "snapshot_db"

	// DefaultRegistryDirName is the directory under the data dir holding
	// the snapshot info registry.
	DefaultRegistryDirName = "snapshot_registry"
)

const (
	JSONOutputFlag = "json"
	DataDirFlag    = "data-dir"
	LogLevelFlag   = "log-level"
)
