package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/dmitrijs2005/gophupload/internal/server/config"
)

// loadAWSConfig is swapped in tests.
var loadAWSConfig = awsconfig.LoadDefaultConfig

// New opens the store selected by cfg.Sessions.Driver.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	sc := cfg.Sessions

	switch strings.ToLower(sc.Driver) {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres":
		if sc.DatabaseDSN == "" {
			return nil, fmt.Errorf("postgres session store requires a database DSN")
		}
		return OpenPostgres(ctx, sc.DatabaseDSN)
	case "redis":
		return OpenRedis(sc.RedisAddr, sc.RedisPassword, sc.RedisDB), nil
	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx, awsconfig.WithRegion(cfg.Gateway.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if sc.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(sc.DynamoEndpoint)
			}
		})
		store := NewDynamoStore(client, sc.DynamoTable)
		if sc.DynamoEndpoint != "" {
			if err := store.EnsureTable(ctx); err != nil {
				return nil, fmt.Errorf("ensure dynamodb table: %w", err)
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session driver %q", sc.Driver)
	}
}
