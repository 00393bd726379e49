// Package mirror writes product records to remote structured stores.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/maltedev/product-harvester/internal/credentials"
	"github.com/maltedev/product-harvester/internal/models"
)

const DefaultTable = "AliExpressProducts"

// PutItemAPI is the part of the DynamoDB client the mirror needs.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type DynamoDB struct {
	client  PutItemAPI
	creds   credentials.Provider
	table   string
	timeout time.Duration
}

func NewDynamoDB(client PutItemAPI, creds credentials.Provider, table string, timeout time.Duration) *DynamoDB {
	if table == "" {
		table = DefaultTable
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DynamoDB{client: client, creds: creds, table: table, timeout: timeout}
}

func (d *DynamoDB) Name() string {
	return "dynamodb"
}

// PutRecord stores rec keyed by product_id. Credentials are checked first so
// an expired session is reported as unavailable rather than as a service
// error.
func (d *DynamoDB) PutRecord(ctx context.Context, rec *models.ProductRecord) error {
	if _, err := d.creds.Retrieve(ctx); err != nil {
		return fmt.Errorf("dynamodb mirror: %w", err)
	}

	item, err := attributevalue.MarshalMapWithOptions(rec, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ProductID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put record %s into %s: %w", rec.ProductID, d.table, err)
	}
	return nil
}
