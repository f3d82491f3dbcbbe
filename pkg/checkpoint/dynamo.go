package checkpoint

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB item attributes.
const (
	AttrOrgURL = "okta_org_url"
	AttrCursor = "last_query_url"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoTable.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoTable is a Table backed by a DynamoDB table whose partition key is
// okta_org_url.
type DynamoTable struct {
	api   DynamoAPI
	table string
}

// NewDynamoTable creates a table over an existing DynamoDB client.
func NewDynamoTable(api DynamoAPI, table string) (*DynamoTable, error) {
	if api == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	return &DynamoTable{api: api, table: table}, nil
}

// ConnectDynamoTable loads the default AWS configuration (environment,
// shared config, or instance role) and creates a table. An empty region
// defers to AWS_REGION.
func ConnectDynamoTable(ctx context.Context, table, region string) (*DynamoTable, error) {
	var opts []func(*config.LoadOptions) error

	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewDynamoTable(dynamodb.NewFromConfig(cfg), table)
}

// Backend implements Table.
func (d *DynamoTable) Backend() string {
	return "dynamodb"
}

// GetItem implements Table. Reads are strongly consistent so a run always
// sees the previous run's last write.
func (d *DynamoTable) GetItem(ctx context.Context, key string) (string, bool, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			AttrOrgURL: &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("GetItem: %w", err)
	}
	if out == nil || out.Item == nil {
		return "", false, nil
	}

	attr, ok := out.Item[AttrCursor]
	if !ok {
		return "", false, nil
	}
	s, ok := attr.(*types.AttributeValueMemberS)
	if !ok {
		return "", false, fmt.Errorf("attribute %s is %T, want string", AttrCursor, attr)
	}
	return s.Value, true, nil
}

// PutItem implements Table.
func (d *DynamoTable) PutItem(ctx context.Context, key, cursor string) error {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			AttrOrgURL: &types.AttributeValueMemberS{Value: key},
			AttrCursor: &types.AttributeValueMemberS{Value: cursor},
		},
	})
	if err != nil {
		return fmt.Errorf("PutItem: %w", err)
	}
	return nil
}
