package rpc

// Protocol versions. Commands carry the version that introduced them so the
// region can keep talking to older racks.
const (
	// VersionInitial is the first versioned protocol.
	VersionInitial = 1
	// VersionConfigPull added the per-rack DNS and proxy snapshots.
	VersionConfigPull = 2
	// VersionSyslog added syslog configuration and beacon negotiation.
	VersionSyslog = 3

	// CurrentVersion is what this build speaks.
	CurrentVersion = VersionSyslog
)

// Commands offered by the region to its racks. Names are preserved for wire
// compatibility.
var (
	Authenticate = &Command{
		Name:  "Authenticate",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "message", Kind: Bytes{}},
		},
		Response: []Field{
			{Name: "digest", Kind: Bytes{}},
			{Name: "salt", Kind: Bytes{}},
		},
		Errors: []string{CodeAuthenticationFailed},
	}

	RegisterRackController = &Command{
		Name:  "RegisterRackController",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}, Optional: true},
			{Name: "hostname", Kind: String{}},
			{Name: "interfaces", Kind: StructureAsJSON{}},
			{Name: "url", Kind: URL{}, Optional: true},
			{Name: "nodegroup_uuid", Kind: String{}, Optional: true},
			{Name: "beacon_support", Kind: Bool{}, Optional: true},
			{Name: "version", Kind: String{}, Optional: true},
		},
		Response: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "beacon_support", Kind: Bool{}, Optional: true},
			{Name: "version", Kind: String{}, Optional: true},
			{Name: "uuid", Kind: String{}, Optional: true},
		},
		Errors: []string{CodeCannotRegisterRackController},
	}

	GetBootConfig = &Command{
		Name:  "GetBootConfig",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "local_ip", Kind: String{}},
			{Name: "remote_ip", Kind: String{}},
			{Name: "arch", Kind: String{}, Optional: true},
			{Name: "subarch", Kind: String{}, Optional: true},
			{Name: "mac", Kind: String{}, Optional: true},
			{Name: "hardware_uuid", Kind: String{}, Optional: true},
			{Name: "bios_boot_method", Kind: String{}, Optional: true},
		},
		Response: []Field{
			{Name: "arch", Kind: String{}},
			{Name: "subarch", Kind: String{}},
			{Name: "osystem", Kind: String{}},
			{Name: "release", Kind: String{}},
			{Name: "kernel", Kind: String{}, Optional: true},
			{Name: "initrd", Kind: String{}, Optional: true},
			{Name: "boot_dtb", Kind: String{}, Optional: true},
			{Name: "purpose", Kind: String{}},
			{Name: "hostname", Kind: String{}},
			{Name: "domain", Kind: String{}},
			{Name: "preseed_url", Kind: String{}},
			{Name: "fs_host", Kind: String{}},
			{Name: "log_host", Kind: String{}},
			{Name: "log_port", Kind: Int{}, Optional: true},
			{Name: "extra_opts", Kind: String{}},
			{Name: "system_id", Kind: String{}, Optional: true},
			{Name: "http_boot", Kind: Bool{}, Optional: true},
		},
		Errors: []string{CodeBootConfigNoResponse},
	}

	ReportBootImages = &Command{
		Name:  "ReportBootImages",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "uuid", Kind: String{}},
			{Name: "images", Kind: StructureAsJSON{}},
		},
	}

	ListNodePowerParameters = &Command{
		Name:  "ListNodePowerParameters",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "uuid", Kind: String{}},
		},
		Response: []Field{
			{Name: "nodes", Kind: StructureAsJSON{}},
		},
	}

	UpdateInterfaces = &Command{
		Name:  "UpdateInterfaces",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "interfaces", Kind: StructureAsJSON{}},
			{Name: "topology_hints", Kind: StructureAsJSON{}, Optional: true},
		},
		Errors: []string{CodeNoSuchNode},
	}

	ReportNeighbours = &Command{
		Name:  "ReportNeighbours",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "neighbours", Kind: StructureAsJSON{}},
		},
		Errors: []string{CodeNoSuchNode},
	}

	ReportMDNSEntries = &Command{
		Name:  "ReportMDNSEntries",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "mdns", Kind: StructureAsJSON{}},
		},
		Errors: []string{CodeNoSuchNode},
	}

	ReportForeignDHCPServer = &Command{
		Name:  "ReportForeignDHCPServer",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "interface_name", Kind: String{}},
			{Name: "dhcp_ip", Kind: String{}, Optional: true},
		},
		Errors: []string{CodeNoSuchNode},
	}

	SendEvent = &Command{
		Name:  "SendEvent",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "type_name", Kind: String{}},
			{Name: "description", Kind: String{}},
		},
		Errors: []string{CodeNoSuchEventType},
	}

	SendEventMACAddress = &Command{
		Name:  "SendEventMACAddress",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "mac_address", Kind: String{}},
			{Name: "type_name", Kind: String{}},
			{Name: "description", Kind: String{}},
		},
		Errors: []string{CodeNoSuchEventType},
	}

	SendEventIPAddress = &Command{
		Name:  "SendEventIPAddress",
		Since: VersionConfigPull,
		Arguments: []Field{
			{Name: "ip_address", Kind: String{}},
			{Name: "type_name", Kind: String{}},
			{Name: "description", Kind: String{}},
		},
		Errors: []string{CodeNoSuchEventType},
	}

	CreateNode = &Command{
		Name:  "CreateNode",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "architecture", Kind: String{}},
			{Name: "power_type", Kind: String{}},
			{Name: "power_parameters", Kind: String{}},
			{Name: "mac_addresses", Kind: ListOf{Elem: String{}}},
			{Name: "hostname", Kind: String{}, Optional: true},
			{Name: "domain", Kind: String{}, Optional: true},
		},
		Response: []Field{
			{Name: "system_id", Kind: String{}},
		},
		Errors: []string{CodeNodeAlreadyExists},
	}

	CommissionNode = &Command{
		Name:  "CommissionNode",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "user", Kind: String{}},
		},
		Errors: []string{CodeCommissionNodeFailed},
	}

	GetControllerType = &Command{
		Name:  "GetControllerType",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
		},
		Response: []Field{
			{Name: "is_region", Kind: Bool{}},
			{Name: "is_rack", Kind: Bool{}},
		},
		Errors: []string{CodeNoSuchNode},
	}

	GetTimeConfiguration = &Command{
		Name:  "GetTimeConfiguration",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
		},
		Response: []Field{
			{Name: "servers", Kind: ListOf{Elem: String{}}},
			{Name: "peers", Kind: ListOf{Elem: String{}}},
		},
		Errors: []string{CodeNoSuchNode},
	}

	GetDNSConfiguration = &Command{
		Name:  "GetDNSConfiguration",
		Since: VersionConfigPull,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
		},
		Response: []Field{
			{Name: "trusted_networks", Kind: ListOf{Elem: String{}}},
		},
		Errors: []string{CodeNoSuchNode},
	}

	GetProxyConfiguration = &Command{
		Name:  "GetProxyConfiguration",
		Since: VersionConfigPull,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
		},
		Response: []Field{
			{Name: "enabled", Kind: Bool{}},
			{Name: "port", Kind: Int{}},
			{Name: "allowed_cidrs", Kind: ListOf{Elem: String{}}},
			{Name: "prefer_v4_proxy", Kind: Bool{}},
		},
		Errors: []string{CodeNoSuchNode},
	}

	GetSyslogConfiguration = &Command{
		Name:  "GetSyslogConfiguration",
		Since: VersionSyslog,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
		},
		Response: []Field{
			{Name: "port", Kind: Int{}},
			{Name: "promtail_port", Kind: Int{}, Optional: true},
		},
		Errors: []string{CodeNoSuchNode},
	}
)

// Commands pushed from the region to racks during config fanout.
var (
	ConfigurationUpdated = &Command{
		Name:  "ConfigurationUpdated",
		Since: VersionConfigPull,
		Arguments: []Field{
			{Name: "kind", Kind: String{}},
			{Name: "config", Kind: StructureAsJSON{}},
		},
	}

	ListBootImages = &Command{
		Name:  "ListBootImages",
		Since: VersionInitial,
		Response: []Field{
			{Name: "images", Kind: StructureAsJSON{}},
		},
	}

	PowerQuery = &Command{
		Name:  "PowerQuery",
		Since: VersionInitial,
		Arguments: []Field{
			{Name: "system_id", Kind: String{}},
			{Name: "hostname", Kind: String{}},
			{Name: "power_type", Kind: String{}},
			{Name: "context", Kind: StructureAsJSON{}},
		},
		Response: []Field{
			{Name: "state", Kind: String{}},
		},
	}
)

// DefaultRegistry returns a registry carrying the full command table.
func DefaultRegistry() *Registry {
	return NewRegistry().MustRegister(
		Authenticate,
		RegisterRackController,
		GetBootConfig,
		ReportBootImages,
		ListNodePowerParameters,
		UpdateInterfaces,
		ReportNeighbours,
		ReportMDNSEntries,
		ReportForeignDHCPServer,
		SendEvent,
		SendEventMACAddress,
		SendEventIPAddress,
		CreateNode,
		CommissionNode,
		GetControllerType,
		GetTimeConfiguration,
		GetDNSConfiguration,
		GetProxyConfiguration,
		GetSyslogConfiguration,
		ConfigurationUpdated,
		ListBootImages,
		PowerQuery,
	)
}
