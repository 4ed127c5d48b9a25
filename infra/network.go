package infra

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// subnetCIDR carves the index-th block of the given prefix length out of base.
func subnetCIDR(base string, prefixLen, index int) (string, error) {
	_, ipnet, err := net.ParseCIDR(base)
	if err != nil {
		return "", fmt.Errorf("parse vpc cidr: %w", err)
	}
	ones, _ := ipnet.Mask.Size()
	if prefixLen < ones {
		return "", fmt.Errorf("subnet mask /%d is wider than vpc %s", prefixLen, base)
	}
	sub, err := cidr.Subnet(ipnet, prefixLen-ones, index)
	if err != nil {
		return "", fmt.Errorf("subnet %d of %s: %w", index, base, err)
	}
	return sub.String(), nil
}

// pickZones keeps at most max zones, in the order the provider lists them.
func pickZones(names []string, max int) []string {
	if max > 0 && len(names) > max {
		return names[:max]
	}
	return names
}

func provisionNetwork(ctx *pulumi.Context, cfg *InfraConfig) (*NetworkResult, error) {
	zones, err := aws.GetAvailabilityZones(ctx, &aws.GetAvailabilityZonesArgs{
		State: pulumi.StringRef("available"),
	})
	if err != nil {
		return nil, err
	}
	names := pickZones(zones.Names, cfg.MaxAZs)
	if len(names) == 0 {
		return nil, fmt.Errorf("no availability zones in %s", cfg.Region)
	}

	vpc, err := ec2.NewVpc(ctx, "vpc", &ec2.VpcArgs{
		CidrBlock:          pulumi.String(cfg.VPCCIDR),
		EnableDnsHostnames: pulumi.Bool(true),
		EnableDnsSupport:   pulumi.Bool(true),
		Tags:               nameTags(cfg, "vpc"),
	})
	if err != nil {
		return nil, err
	}

	igw, err := ec2.NewInternetGateway(ctx, "igw", &ec2.InternetGatewayArgs{
		VpcId: vpc.ID().ToStringOutput(),
		Tags:  nameTags(cfg, "igw"),
	})
	if err != nil {
		return nil, err
	}

	routes, err := ec2.NewRouteTable(ctx, "public-routes", &ec2.RouteTableArgs{
		VpcId: vpc.ID().ToStringOutput(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock: pulumi.String("0.0.0.0/0"),
				GatewayId: igw.ID().ToStringOutput(),
			},
		},
		Tags: nameTags(cfg, "public"),
	})
	if err != nil {
		return nil, err
	}

	result := &NetworkResult{VPC: vpc}
	for i, az := range names {
		block, err := subnetCIDR(cfg.VPCCIDR, cfg.SubnetMask, i)
		if err != nil {
			return nil, err
		}

		subnet, err := ec2.NewSubnet(ctx, fmt.Sprintf("public-%d", i), &ec2.SubnetArgs{
			VpcId:               vpc.ID().ToStringOutput(),
			CidrBlock:           pulumi.String(block),
			AvailabilityZone:    pulumi.String(az),
			MapPublicIpOnLaunch: pulumi.Bool(true),
			Tags:                nameTags(cfg, "public-"+az),
		})
		if err != nil {
			return nil, err
		}

		_, err = ec2.NewRouteTableAssociation(ctx, fmt.Sprintf("public-assoc-%d", i), &ec2.RouteTableAssociationArgs{
			SubnetId:     subnet.ID().ToStringOutput(),
			RouteTableId: routes.ID().ToStringOutput(),
		})
		if err != nil {
			return nil, err
		}
		result.Subnets = append(result.Subnets, subnet)
	}

	return result, nil
}

// provisionSecurityGroup creates the single allow-all group shared by every
// fleet instance. Segmentation is not enforced at this layer.
func provisionSecurityGroup(ctx *pulumi.Context, cfg *InfraConfig, net *NetworkResult) (*ec2.SecurityGroup, error) {
	return ec2.NewSecurityGroup(ctx, "fleet-sg", &ec2.SecurityGroupArgs{
		VpcId:       net.VPC.ID().ToStringOutput(),
		Description: pulumi.Sprintf("%s fleet security group", cfg.Project),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:       pulumi.String("-1"),
				FromPort:       pulumi.Int(0),
				ToPort:         pulumi.Int(0),
				CidrBlocks:     pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Ipv6CidrBlocks: pulumi.StringArray{pulumi.String("::/0")},
				Description:    pulumi.String("allow all inbound"),
			},
		},
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:       pulumi.String("-1"),
				FromPort:       pulumi.Int(0),
				ToPort:         pulumi.Int(0),
				CidrBlocks:     pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Ipv6CidrBlocks: pulumi.StringArray{pulumi.String("::/0")},
				Description:    pulumi.String("allow all outbound"),
			},
		},
		Tags: nameTags(cfg, "fleet-sg"),
	})
}
