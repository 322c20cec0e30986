// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretKeyField is the JSON field read from a structured secret.
const secretKeyField = "jwt_secret"

type secretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ResolveSecrets fills Auth.Secret from AWS Secrets Manager when
// JWT_SECRET_ARN is set. An explicit JWT_SECRET_KEY wins.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if c.Auth.Secret != "" || c.Auth.SecretARN == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Auth.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	return c.resolveSigningKey(ctx, secretsmanager.NewFromConfig(awsCfg))
}

func (c *Config) resolveSigningKey(ctx context.Context, client secretGetter) error {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.Auth.SecretARN),
	})
	if err != nil {
		return fmt.Errorf("failed to get secret %s: %w", maskARN(c.Auth.SecretARN), err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return fmt.Errorf("secret %s has no string value", maskARN(c.Auth.SecretARN))
	}

	raw := *out.SecretString
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		// Plain-text secret.
		c.Auth.Secret = raw
		return nil
	}
	secret, ok := fields[secretKeyField]
	if !ok || secret == "" {
		return fmt.Errorf("secret %s has no %q field", maskARN(c.Auth.SecretARN), secretKeyField)
	}
	c.Auth.Secret = secret
	return nil
}

// maskARN shows only the last 8 characters of an ARN.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
