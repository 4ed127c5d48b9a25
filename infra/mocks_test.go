package infra

import (
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/require"
)

// mocks records every registered resource by logical name.
type mocks struct {
	mu     sync.Mutex
	inputs map[string]resource.PropertyMap
	types  map[string]string
	retain map[string]bool
	calls  []string
}

func newMocks() *mocks {
	return &mocks{
		inputs: make(map[string]resource.PropertyMap),
		types:  make(map[string]string),
		retain: make(map[string]bool),
	}
}

func (m *mocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inputs[args.Name] = args.Inputs
	m.types[args.Name] = args.TypeToken
	m.retain[args.Name] = args.RegisterRPC.GetRetainOnDelete()

	outputs := args.Inputs.Copy()
	outputs["arn"] = resource.NewStringProperty("arn:aws:mock:us-east-1:123456789012:" + args.Name)
	if args.TypeToken == "aws:ec2/launchTemplate:LaunchTemplate" {
		outputs["latestVersion"] = resource.NewNumberProperty(1)
	}
	return args.Name + "-id", outputs, nil
}

func (m *mocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args.Token)
	m.mu.Unlock()

	switch args.Token {
	case "aws:index/getAvailabilityZones:getAvailabilityZones":
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"id":      "us-east-1",
			"names":   []interface{}{"us-east-1a", "us-east-1b", "us-east-1c", "us-east-1d"},
			"zoneIds": []interface{}{"use1-az1", "use1-az2", "use1-az4", "use1-az6"},
		}), nil
	case "aws:ssm/getParameter:getParameter":
		name := args.Args["name"].StringValue()
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"id":    name,
			"name":  name,
			"arn":   "arn:aws:ssm:us-east-1::parameter" + name,
			"type":  "String",
			"value": "ami-0123456789abcdef0",
		}), nil
	}
	return resource.PropertyMap{}, nil
}

// byType returns the logical names of all resources of the given type token.
func (m *mocks) byType(token string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, typ := range m.types {
		if typ == token {
			names = append(names, name)
		}
	}
	return names
}

func (m *mocks) retained(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retain[name]
}

func (m *mocks) get(t *testing.T, name string) resource.PropertyMap {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inputs[name]
	require.True(t, ok, "resource %q was not registered", name)
	return in
}

func runProgram(t *testing.T, cfg *InfraConfig) *mocks {
	t.Helper()
	m := newMocks()
	require.NoError(t, runWith(m, cfg))
	return m
}

func runWith(m *mocks, cfg *InfraConfig) error {
	return pulumi.RunErr(DefineInfrastructure(cfg), pulumi.WithMocks(projectName, "test", m))
}

func testConfig() *InfraConfig {
	return &InfraConfig{
		Project:           "mercury",
		Region:            "us-east-1",
		VPCCIDR:           "10.0.0.0/16",
		MaxAZs:            3,
		SubnetMask:        24,
		ArtifactBucket:    "mercury-codebuild-artifacts",
		PackageBucket:     "mercury-installables",
		DatalakeBucket:    "mercury-datalake",
		SourceOwner:       "cisco",
		SourceRepo:        "mercury",
		SourceBranch:      "main",
		Architectures:     []string{ArchARM64, ArchX8664},
		BuildComputeType:  "BUILD_GENERAL1_SMALL",
		BuildSchedule:     "rate(7 days)",
		Trigger:           TriggerSchedule,
		ArtifactParameter: "/mercury/artifact-location",
		FleetName:         "mercury-fleet",
		InstanceType:      "t4g.small",
		FleetArch:         ArchARM64,
		MinSize:           2,
		MaxSize:           3,
		Monitoring:        "basic",
		UpdatePolicy:      UpdateReplace,
		SpotMaxPrice:      "0.05",
		StreamName:        "MercurySensorStream",
		BufferingInterval: 300,
		LogRetentionDays:  14,
	}
}

func obj(v resource.PropertyValue) resource.PropertyMap {
	return v.ObjectValue()
}

func first(v resource.PropertyValue) resource.PropertyMap {
	return v.ArrayValue()[0].ObjectValue()
}
