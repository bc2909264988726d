// Package handlers answers the RPC commands rack controllers issue against
// the region.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/cmd/regiond/repository"
	"github.com/metalgrid/regiond/cmd/regiond/service"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
)

// Registrar admits rack controllers.
type Registrar interface {
	Register(ctx context.Context, req service.RegistrationRequest) (*models.Controller, error)
}

// ControllerInfo answers identity questions about known controllers.
type ControllerInfo interface {
	ControllerType(ctx context.Context, systemID string) (models.NodeType, error)
	UpdateInterfaces(ctx context.Context, systemID string, ifaces []models.Interface) error
}

// NodeAdmin covers machine lifecycle commands.
type NodeAdmin interface {
	CreateNode(ctx context.Context, n *models.Node, macs []string) error
	SetStatus(ctx context.Context, systemID string, status models.NodeStatus) error
	PowerParameters(ctx context.Context, limit int) ([]models.PowerParametersEntry, error)
	MarkPowerQueried(ctx context.Context, systemIDs []string) error
}

// EventRecorder stores node events.
type EventRecorder interface {
	Insert(ctx context.Context, systemID, typeName, description string, created time.Time) error
	InsertByMAC(ctx context.Context, mac, typeName, description string, created time.Time) error
	InsertByIP(ctx context.Context, ip, typeName, description string, created time.Time) error
}

// ConfigReader loads region settings racks pull on connect.
type ConfigReader interface {
	Get(ctx context.Context, name string, out any) error
}

// Options wires a Handler.
type Options struct {
	Secret      []byte
	ClusterUUID string

	Registrar   Registrar
	Controllers ControllerInfo
	Nodes       NodeAdmin
	Events      EventRecorder
	Config      ConfigReader
	Log         *logger.Logger

	// OnRegistered runs after a successful RegisterRackController, with
	// the conn's ident already set to the rack's system ID.
	OnRegistered func(ctx context.Context, conn *rpc.Conn, systemID string)

	// PowerBatchSize caps one ListNodePowerParameters response.
	PowerBatchSize int
}

// Handler dispatches incoming commands. It is safe for concurrent use.
type Handler struct {
	opts Options
}

func New(opts Options) *Handler {
	if opts.PowerBatchSize <= 0 {
		opts.PowerBatchSize = 10
	}
	return &Handler{opts: opts}
}

// HandleCommand implements rpc.Responder.
func (h *Handler) HandleCommand(ctx context.Context, conn *rpc.Conn, cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	switch cmd.Name {
	case rpc.Authenticate.Name:
		return h.authenticate(args)
	case rpc.RegisterRackController.Name:
		return h.registerRackController(ctx, conn, args)
	case rpc.GetBootConfig.Name:
		return h.getBootConfig(ctx, args)
	case rpc.ReportBootImages.Name:
		return h.reportBootImages(args)
	case rpc.ListNodePowerParameters.Name:
		return h.listNodePowerParameters(ctx)
	case rpc.UpdateInterfaces.Name:
		return h.updateInterfaces(ctx, args)
	case rpc.ReportNeighbours.Name, rpc.ReportMDNSEntries.Name, rpc.ReportForeignDHCPServer.Name:
		return h.reportDiscovery(cmd, args)
	case rpc.SendEvent.Name, rpc.SendEventMACAddress.Name, rpc.SendEventIPAddress.Name:
		return h.sendEvent(cmd, args)
	case rpc.CreateNode.Name:
		return h.createNode(ctx, args)
	case rpc.CommissionNode.Name:
		return h.commissionNode(ctx, args)
	case rpc.GetControllerType.Name:
		return h.getControllerType(ctx, args)
	case rpc.GetTimeConfiguration.Name:
		return h.getTimeConfiguration(ctx)
	case rpc.GetDNSConfiguration.Name:
		return h.getDNSConfiguration(ctx)
	case rpc.GetProxyConfiguration.Name:
		return h.getProxyConfiguration(ctx)
	case rpc.GetSyslogConfiguration.Name:
		return h.getSyslogConfiguration(ctx)
	default:
		return nil, rpc.NewCallError("UNHANDLED", fmt.Sprintf("no handler for %s", cmd.Name))
	}
}

func (h *Handler) authenticate(args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	message, _ := args["message"].([]byte)
	salt, err := rpc.NewSalt()
	if err != nil {
		return nil, rpc.NewCallError(rpc.CodeAuthenticationFailed, "cannot generate salt")
	}
	digest := rpc.ComputeDigest(h.opts.Secret, message, salt)
	return rpc.ArgMap{"digest": digest, "salt": salt}, nil
}

func (h *Handler) registerRackController(ctx context.Context, conn *rpc.Conn, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	req := service.RegistrationRequest{
		SystemID:      args.String("system_id"),
		Hostname:      args.String("hostname"),
		Version:       args.String("version"),
		NodeGroupUUID: args.String("nodegroup_uuid"),
		BeaconAware:   args.Bool("beacon_support"),
	}
	if ifaces, ok := args["interfaces"]; ok {
		decoded, err := decodeInterfaces(ifaces)
		if err != nil {
			return nil, rpc.NewCallError(rpc.CodeCannotRegisterRackController,
				fmt.Sprintf("malformed interfaces: %v", err))
		}
		req.Interfaces = decoded
	}

	controller, err := h.opts.Registrar.Register(ctx, req)
	if err != nil {
		h.opts.Log.Error("rack registration failed",
			"hostname", req.Hostname, "error", err)
		return nil, rpc.NewCallError(rpc.CodeCannotRegisterRackController, err.Error())
	}

	conn.SetIdent(controller.SystemID)
	if h.opts.OnRegistered != nil {
		h.opts.OnRegistered(ctx, conn, controller.SystemID)
	}
	return rpc.ArgMap{
		"system_id":      controller.SystemID,
		"version":        controller.Version,
		"uuid":           h.opts.ClusterUUID,
		"beacon_support": req.BeaconAware,
	}, nil
}

// decodeInterfaces accepts the wire shape of the interfaces argument, a
// JSON object keyed by interface name.
func decodeInterfaces(v any) ([]models.Interface, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var byName map[string]struct {
		Type       string   `json:"type"`
		MACAddress string   `json:"mac_address"`
		Enabled    *bool    `json:"enabled"`
		Links      []any    `json:"links"`
		Parents    []string `json:"parents"`
	}
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, err
	}
	ifaces := make([]models.Interface, 0, len(byName))
	for name, detail := range byName {
		enabled := true
		if detail.Enabled != nil {
			enabled = *detail.Enabled
		}
		ifaces = append(ifaces, models.Interface{
			Name:    name,
			MAC:     detail.MACAddress,
			Type:    detail.Type,
			Enabled: enabled,
		})
	}
	return ifaces, nil
}

func (h *Handler) getBootConfig(ctx context.Context, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	var boot repository.BootDefaults
	if err := h.opts.Config.Get(ctx, "boot_defaults", &boot); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, rpc.NewCallError(rpc.CodeBootConfigNoResponse, err.Error())
		}
		boot = repository.DefaultBootDefaults()
	}

	arch := args.String("arch")
	if arch == "" {
		arch = boot.Architecture
	}
	subarch := args.String("subarch")
	if subarch == "" {
		subarch = "generic"
	}
	localIP := args.String("local_ip")
	return rpc.ArgMap{
		"arch":        arch,
		"subarch":     subarch,
		"osystem":     boot.OS,
		"release":     boot.Release,
		"purpose":     boot.Purpose,
		"hostname":    args.String("system_id"),
		"domain":      boot.Domain,
		"preseed_url": fmt.Sprintf("http://%s:5240/MAAS/metadata/latest/by-id/%s/", localIP, args.String("system_id")),
		"fs_host":     localIP,
		"log_host":    localIP,
		"extra_opts":  boot.ExtraOpts,
		"http_boot":   true,
	}, nil
}

func (h *Handler) reportBootImages(args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	h.opts.Log.Debug("rack reported boot images", "uuid", args.String("uuid"))
	return rpc.ArgMap{}, nil
}

func (h *Handler) listNodePowerParameters(ctx context.Context) (rpc.ArgMap, *rpc.CallError) {
	entries, err := h.opts.Nodes.PowerParameters(ctx, h.opts.PowerBatchSize)
	if err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.SystemID
	}
	if err := h.opts.Nodes.MarkPowerQueried(ctx, ids); err != nil {
		h.opts.Log.Error("mark power queried", "error", err)
	}
	if entries == nil {
		entries = []models.PowerParametersEntry{}
	}
	return rpc.ArgMap{"nodes": entries}, nil
}

func (h *Handler) updateInterfaces(ctx context.Context, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	ifaces, err := decodeInterfaces(args["interfaces"])
	if err != nil {
		return nil, rpc.NewCallError(rpc.CodeNoSuchNode, fmt.Sprintf("malformed interfaces: %v", err))
	}
	err = h.opts.Controllers.UpdateInterfaces(ctx, args.String("system_id"), ifaces)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, rpc.NewCallError(rpc.CodeNoSuchNode, args.String("system_id"))
	}
	if err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	return rpc.ArgMap{}, nil
}

func (h *Handler) reportDiscovery(cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	h.opts.Log.Debug("discovery report received",
		"command", cmd.Name, "system_id", args.String("system_id"))
	return rpc.ArgMap{}, nil
}

// sendEvent acknowledges before the durable write. Event streams are high
// volume and racks treat them as fire-and-forget; a lost event is cheaper
// than a blocked rack.
func (h *Handler) sendEvent(cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	typeName := args.String("type_name")
	description := args.String("description")
	now := time.Now().UTC()

	record := func(ctx context.Context) error {
		switch cmd.Name {
		case rpc.SendEventMACAddress.Name:
			return h.opts.Events.InsertByMAC(ctx, args.String("mac_address"), typeName, description, now)
		case rpc.SendEventIPAddress.Name:
			return h.opts.Events.InsertByIP(ctx, args.String("ip_address"), typeName, description, now)
		default:
			return h.opts.Events.Insert(ctx, args.String("system_id"), typeName, description, now)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := record(ctx); err != nil {
			h.opts.Log.Warn("event not recorded",
				"command", cmd.Name, "type", typeName, "error", err)
		}
	}()
	return rpc.ArgMap{}, nil
}

func (h *Handler) createNode(ctx context.Context, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	var params map[string]any
	if raw := args.String("power_parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, rpc.NewCallError(rpc.CodeNodeAlreadyExists,
				fmt.Sprintf("malformed power parameters: %v", err))
		}
	}
	// Racks may report the same MAC more than once; collapse repeats so
	// the node gets a single interface per address.
	macs := uniqueStrings(stringList(args["mac_addresses"]))

	node := &models.Node{
		SystemID:        service.NewSystemID(),
		Hostname:        args.String("hostname"),
		Architecture:    args.String("architecture"),
		Status:          models.StatusNew,
		PowerType:       args.String("power_type"),
		PowerParameters: params,
	}
	if err := h.opts.Nodes.CreateNode(ctx, node, macs); err != nil {
		return nil, rpc.NewCallError(rpc.CodeNodeAlreadyExists, err.Error())
	}
	return rpc.ArgMap{"system_id": node.SystemID}, nil
}

func (h *Handler) commissionNode(ctx context.Context, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	err := h.opts.Nodes.SetStatus(ctx, args.String("system_id"), models.StatusCommissioning)
	if err != nil {
		return nil, rpc.NewCallError(rpc.CodeCommissionNodeFailed, err.Error())
	}
	return rpc.ArgMap{}, nil
}

func (h *Handler) getControllerType(ctx context.Context, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	t, err := h.opts.Controllers.ControllerType(ctx, args.String("system_id"))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, rpc.NewCallError(rpc.CodeNoSuchNode, args.String("system_id"))
	}
	if err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	return rpc.ArgMap{
		"is_region": t.IsRegion(),
		"is_rack":   t.IsRack(),
	}, nil
}

func (h *Handler) getTimeConfiguration(ctx context.Context) (rpc.ArgMap, *rpc.CallError) {
	var cfg repository.TimeConfiguration
	if err := h.configOrZero(ctx, "ntp", &cfg); err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	return rpc.ArgMap{
		"servers": orEmpty(cfg.Servers),
		"peers":   orEmpty(cfg.Peers),
	}, nil
}

func (h *Handler) getDNSConfiguration(ctx context.Context) (rpc.ArgMap, *rpc.CallError) {
	var cfg repository.DNSConfiguration
	if err := h.configOrZero(ctx, "dns", &cfg); err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	return rpc.ArgMap{"trusted_networks": orEmpty(cfg.TrustedNetwork)}, nil
}

func (h *Handler) getProxyConfiguration(ctx context.Context) (rpc.ArgMap, *rpc.CallError) {
	var cfg repository.ProxyConfiguration
	if err := h.configOrZero(ctx, "proxy", &cfg); err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	cidrs := cfg.AllowedCIDRs
	if cidrs == nil {
		cidrs = []string{}
	}
	return rpc.ArgMap{
		"enabled":         cfg.Enabled,
		"port":            cfg.Port,
		"allowed_cidrs":   cidrs,
		"prefer_v4_proxy": cfg.Prefer == "v4",
	}, nil
}

func (h *Handler) getSyslogConfiguration(ctx context.Context) (rpc.ArgMap, *rpc.CallError) {
	var cfg repository.SyslogConfiguration
	if err := h.configOrZero(ctx, "syslog", &cfg); err != nil {
		return nil, rpc.NewCallError("UNHANDLED", err.Error())
	}
	port := cfg.Port
	if port == 0 {
		port = 5247
	}
	return rpc.ArgMap{"port": port}, nil
}

// configOrZero treats an unset configuration as its zero value.
func (h *Handler) configOrZero(ctx context.Context, name string, out any) error {
	err := h.opts.Config.Get(ctx, name, out)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uniqueStrings(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := list[:0:0]
	for _, s := range list {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
