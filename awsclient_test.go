package main

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsLoadConfigOnce(t *testing.T) {
	prev := loadAWSConfig
	t.Cleanup(func() { loadAWSConfig = prev })

	loads := 0
	loadAWSConfig = func(_ context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		loads++
		var o awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&o))
		}
		return aws.Config{Region: orDefault(o.Region, "us-east-1")}, nil
	}

	ctx := context.Background()
	var a awsClients
	_, err := a.S3(ctx)
	require.NoError(t, err)
	_, err = a.SSM(ctx)
	require.NoError(t, err)
	_, err = a.Firehose(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	a.SetRegion("eu-west-1")
	c, err := a.config(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", c.Region)
	assert.Equal(t, 2, loads)

	a.SetRegion("eu-west-1")
	_, err = a.S3(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}
