package config

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretProvider resolves secret references to plaintext values. Keys that
// cannot be found are omitted from the result.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// EnvVarProvider treats each key as an environment variable name. Used by
// panelctl when pointed at a non-local APP_ENV without AWS credentials.
type EnvVarProvider struct{}

// GetParametersBatch reads each key from the process environment.
func (EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// GetParameters accepts at most 10 names per call.
const ssmBatchLimit = 10

type ssmAPI interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider reads SecureString parameters from Parameter Store in the
// process's own region.
type SSMProvider struct {
	region string
	client ssmAPI
}

// NewSSMProvider creates an SSMProvider. The AWS client is built lazily on first use.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

func (p *SSMProvider) api(ctx context.Context) (ssmAPI, error) {
	if p.client != nil {
		return p.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("load aws config (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return p.client, nil
}

// GetParametersBatch fetches and decrypts the given parameters in batches of ten.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	client, err := p.api(ctx)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(keys); start += ssmBatchLimit {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ssm resolution cancelled: %w", err)
		}
		end := min(start+ssmBatchLimit, len(keys))

		resp, err := client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          keys[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("ssm GetParameters [%d:%d]: %w", start, end, err)
		}
		for _, param := range resp.Parameters {
			if param.Name != nil && param.Value != nil {
				out[*param.Name] = *param.Value
			}
		}
		if len(resp.InvalidParameters) > 0 {
			return nil, fmt.Errorf("ssm parameters not found: %v", resp.InvalidParameters)
		}
	}
	return out, nil
}
