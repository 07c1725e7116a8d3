// Package instancepool implements the compute contract on EC2 instances
// drawn from named pools. It hosts every tier the serverless backend can't:
// GPUs, ML accelerators and non-default architectures. Each instance runs a
// single workspace container, and commands reach it through SSM.
package instancepool // import "github.com/whisthq/whist/backend/workspaces/compute/instancepool"

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// ContainerName is the name of the workspace container on every instance.
const ContainerName = "workspace"

// WorkspaceDir is where the workspace's files live, on the instance and in
// the container.
const WorkspaceDir = "/workspace"

// readChunkSize keeps every base64 read below SSM's 24000 character output
// limit.
const readChunkSize = 16 * 1024

// Config is the EC2 placement configuration.
type Config struct {
	// Pools maps a pool name from the catalog to the AMI its instances boot.
	Pools            map[string]string
	SubnetID         string
	SecurityGroupIDs []string
	InstanceProfile  string
}

// ec2API is the subset of the EC2 client we use.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// ssmAPI is the subset of the SSM client we use.
type ssmAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	CancelCommand(ctx context.Context, params *ssm.CancelCommandInput, optFns ...func(*ssm.Options)) (*ssm.CancelCommandOutput, error)
}

// Manager runs one workspace per EC2 instance.
type Manager struct {
	cfg          Config
	catalog      *catalog.Catalog
	ec2          ec2API
	ssm          ssmAPI
	files        compute.FileStore
	http         *http.Client
	index        *compute.Index
	now          func() time.Time
	pollInterval time.Duration
}

// New returns an instance-pool manager. files may be nil.
func New(cfg Config, cat *catalog.Catalog, ec2Client *ec2.Client, ssmClient *ssm.Client, files compute.FileStore) *Manager {
	return newManager(cfg, cat, ec2Client, ssmClient, files)
}

func newManager(cfg Config, cat *catalog.Catalog, ec2Client ec2API, ssmClient ssmAPI, files compute.FileStore) *Manager {
	return &Manager{
		cfg:          cfg,
		catalog:      cat,
		ec2:          ec2Client,
		ssm:          ssmClient,
		files:        files,
		http:         http.DefaultClient,
		index:        compute.NewIndex(),
		now:          time.Now,
		pollInterval: 500 * time.Millisecond,
	}
}

// CreateWorkspace launches an instance from the tier's pool.
func (m *Manager) CreateWorkspace(ctx context.Context, userID types.UserID, sessionID types.SessionID, cfg compute.WorkspaceConfig, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "create_workspace"
	id = compute.ResolveWorkspaceID(id)

	spec := m.catalog.Spec(cfg.Tier)
	if spec.InstanceType == "" || spec.Pool == "" {
		return nil, compute.ConfigError(op, id, "tier %s has no instance type or pool", spec.Tier)
	}
	ami, ok := m.cfg.Pools[spec.Pool]
	if !ok || ami == "" {
		return nil, compute.ConfigError(op, id, "no AMI configured for pool %s", spec.Pool)
	}
	image := m.catalog.SelectImage(cfg.BaseImage, spec)
	if image == "" {
		return nil, compute.ConfigError(op, id, "no image for tier %s", spec.Tier)
	}

	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String("workspace-" + string(id))},
		{Key: aws.String("workspace_id"), Value: aws.String(string(id))},
		{Key: aws.String("user_id"), Value: aws.String(string(userID))},
		{Key: aws.String("session_id"), Value: aws.String(string(sessionID))},
		{Key: aws.String("tier"), Value: aws.String(string(spec.Tier))},
		{Key: aws.String("pool"), Value: aws.String(spec.Pool)},
	}

	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(ami),
		InstanceType:                      ec2types.InstanceType(spec.InstanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(UserData(id, image, spec, cfg)))),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: tags},
		},
	}
	if m.cfg.SubnetID != "" {
		input.SubnetId = aws.String(m.cfg.SubnetID)
	}
	if len(m.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = m.cfg.SecurityGroupIDs
	}
	if m.cfg.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(m.cfg.InstanceProfile)}
	}

	out, err := m.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, classify(op, id, err)
	}
	if len(out.Instances) == 0 {
		return nil, compute.CapacityError(op, id, "EC2 started no instance in pool %s", spec.Pool)
	}

	instance := out.Instances[0]
	now := m.now()
	info := &compute.WorkspaceInfo{
		ID:            id,
		UserID:        userID,
		SessionID:     sessionID,
		Status:        compute.StatusCreating,
		Tier:          spec.Tier,
		Backend:       types.EndpointInstancePool,
		BackendHandle: aws.ToString(instance.InstanceId),
		CreatedAt:     now,
		LastActivity:  now,
		Metadata: map[string]string{
			"image":         image,
			"pool":          spec.Pool,
			"instance_type": spec.InstanceType,
		},
	}
	m.index.Put(info)

	logger.Infow("Launched instance for workspace",
		zap.String("workspace_id", string(id)),
		zap.String("instance_id", info.BackendHandle),
		zap.String("pool", spec.Pool),
	)
	return info.Clone(), nil
}

// UserData is the boot script of a workspace instance. It starts image as
// the workspace container on the host network, so ports opened inside the
// workspace are reachable at the instance's private address.
func UserData(id types.WorkspaceID, image string, spec catalog.HardwareSpec, cfg compute.WorkspaceConfig) string {
	args := []string{"docker", "run", "-d", "--name", ContainerName, "--restart", "unless-stopped", "--network", "host"}
	switch spec.Accelerator {
	case catalog.AcceleratorGPU:
		args = append(args, "--gpus", "all")
	case catalog.AcceleratorML:
		args = append(args, "--device", "/dev/neuron0")
	}

	env := compute.ContainerEnvironment(id, cfg)
	for _, k := range utils.SortedKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, "-v", WorkspaceDir+":"+WorkspaceDir, "-w", WorkspaceDir, image, "sleep", "infinity")

	return strings.Join([]string{
		"#!/bin/bash",
		"set -euo pipefail",
		"mkdir -p " + WorkspaceDir,
		utils.ShellQuoteAll("docker", "pull", image),
		utils.ShellQuoteAll(args...),
		"",
	}, "\n")
}

// GetWorkspace refreshes the workspace from DescribeInstances.
func (m *Manager) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "get_workspace"
	current := m.index.Get(id)
	if current == nil {
		return nil, nil
	}

	out, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{current.BackendHandle}})
	if err != nil {
		if isNotFound(err) {
			return m.markStopped(id), nil
		}
		return nil, classify(op, id, err)
	}

	var instance *ec2types.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == current.BackendHandle {
				instance = &r.Instances[i]
			}
		}
	}
	if instance == nil {
		return m.markStopped(id), nil
	}

	var state ec2types.InstanceStateName
	if instance.State != nil {
		state = instance.State.Name
	}
	status := mapInstanceState(state)
	host := aws.ToString(instance.PrivateIpAddress)

	return m.index.Update(id, func(w *compute.WorkspaceInfo) {
		if w.Status == compute.StatusStopped {
			return
		}
		if status == compute.StatusCreating && w.Status == compute.StatusRunning {
			return
		}
		w.Status = status
		if status == compute.StatusRunning && host != "" {
			w.Host = host
		}
		if status == compute.StatusStopped {
			w.Host = ""
		}
	}), nil
}

func (m *Manager) markStopped(id types.WorkspaceID) *compute.WorkspaceInfo {
	return m.index.Update(id, func(w *compute.WorkspaceInfo) {
		w.Status = compute.StatusStopped
		w.Host = ""
	})
}

func mapInstanceState(state ec2types.InstanceStateName) compute.Status {
	switch state {
	case ec2types.InstanceStateNamePending:
		return compute.StatusCreating
	case ec2types.InstanceStateNameRunning:
		return compute.StatusRunning
	default:
		return compute.StatusStopped
	}
}

// StopWorkspace stops the instance.
func (m *Manager) StopWorkspace(ctx context.Context, id types.WorkspaceID) error {
	current := m.index.Get(id)
	if current == nil || current.Status == compute.StatusStopped {
		return nil
	}

	_, err := m.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{current.BackendHandle}})
	if err != nil && !isNotFound(err) {
		return classify("stop_workspace", id, err)
	}
	m.markStopped(id)
	return nil
}

// DeleteWorkspace stops, then terminates the instance.
func (m *Manager) DeleteWorkspace(ctx context.Context, id types.WorkspaceID, preserveFiles bool) error {
	current := m.index.Get(id)
	if current == nil {
		return nil
	}
	if err := m.StopWorkspace(ctx, id); err != nil {
		return err
	}

	_, err := m.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{current.BackendHandle}})
	if err != nil && !isNotFound(err) {
		return classify("delete_workspace", id, err)
	}

	m.index.Remove(id)
	if !preserveFiles {
		compute.PurgeFilesBestEffort(ctx, m.files, id)
	}
	logger.Infow("Terminated instance for workspace",
		zap.String("workspace_id", string(id)),
		zap.String("instance_id", current.BackendHandle),
	)
	return nil
}

func (m *Manager) ListWorkspaces(userID types.UserID, sessionID types.SessionID) []*compute.WorkspaceInfo {
	return m.index.List(userID, sessionID)
}

func (m *Manager) ReadFile(ctx context.Context, id types.WorkspaceID, path string) ([]byte, error) {
	return compute.ReadFileChunkedVia(ctx, m, id, path, readChunkSize)
}

func (m *Manager) WriteFile(ctx context.Context, id types.WorkspaceID, path string, content []byte) error {
	return compute.WriteFileVia(ctx, m, id, path, content)
}

func (m *Manager) ListFiles(ctx context.Context, id types.WorkspaceID, path string) []compute.FileEntry {
	return compute.ListFilesVia(ctx, m, id, path)
}

func (m *Manager) GetActivePorts(ctx context.Context, id types.WorkspaceID) []compute.PortInfo {
	return compute.ActivePortsVia(ctx, m, id)
}

func (m *Manager) GetPreviewURL(ctx context.Context, id types.WorkspaceID, port int) (string, bool) {
	w := m.index.Get(id)
	if w == nil || w.Status != compute.StatusRunning || w.Host == "" {
		return "", false
	}
	return "http://" + net.JoinHostPort(w.Host, strconv.Itoa(port)), true
}

func (m *Manager) ProxyRequest(ctx context.Context, req compute.ProxyRequest) (*compute.ProxyResponse, error) {
	w := m.index.Get(req.WorkspaceID)
	if w == nil {
		return nil, compute.NotFoundError("proxy_request", req.WorkspaceID)
	}
	if w.Status != compute.StatusRunning || w.Host == "" {
		return nil, compute.UnreachableError("proxy_request", req.WorkspaceID, "workspace is %s and has no routable host yet", w.Status)
	}
	return compute.Proxy(ctx, m.http, "http://"+net.JoinHostPort(w.Host, strconv.Itoa(req.Port)), req)
}

func (m *Manager) Heartbeat(ctx context.Context, id types.WorkspaceID) error {
	if !m.index.Touch(id, m.now()) {
		return compute.NotFoundError("heartbeat", id)
	}
	return nil
}

// CleanupIdleWorkspaces terminates idle instances one at a time, keeping
// their files.
func (m *Manager) CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID {
	results := compute.SweepIdle(ctx, m.index, m.now(), timeout, func(ctx context.Context, id types.WorkspaceID) error {
		return m.DeleteWorkspace(ctx, id, true)
	})
	return compute.Succeeded(results)
}
