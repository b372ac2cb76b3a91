package mosaic

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	dynamoScheme = "dynamodb://"
	// quadkey of the item holding the mosaic metadata
	metadataKey = "-1"
)

// DynamoAPI is the subset of the DynamoDB client used to read mosaics.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// NewDynamoClient builds a client from the default AWS credential chain.
// An empty region keeps the region of the environment.
func NewDynamoClient(ctx context.Context, region string) (DynamoAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// parseDynamoURL splits dynamodb://[region/]table:mosaic.
func parseDynamoURL(url string) (region, table, id string, err error) {
	rest := strings.TrimPrefix(url, dynamoScheme)
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", "", fmt.Errorf("invalid dynamodb mosaic url %q, expected dynamodb://[region/]table:mosaic", url)
	}
	table, id = rest[:i], rest[i+1:]
	if j := strings.Index(table, "/"); j >= 0 {
		region, table = table[:j], table[j+1:]
	}
	if table == "" {
		return "", "", "", fmt.Errorf("invalid dynamodb mosaic url %q: empty table", url)
	}
	return region, table, id, nil
}

// dynamoIndex reads a mosaic stored one item per quadkey, keyed by
// (mosaicId, quadkey).
type dynamoIndex struct {
	api   DynamoAPI
	table string
	id    string
	info  Info
}

func openDynamoIndex(ctx context.Context, api DynamoAPI, table, id string) (*dynamoIndex, error) {
	idx := &dynamoIndex{api: api, table: table, id: id}

	item, err := idx.get(ctx, metadataKey)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("mosaic %q not found in table %q: %w", id, table, ErrMosaicNotFound)
	}

	if idx.info.MinZoom, err = numberAttr(item, "minzoom"); err != nil {
		return nil, err
	}
	if idx.info.MaxZoom, err = numberAttr(item, "maxzoom"); err != nil {
		return nil, err
	}
	idx.info.QuadkeyZoom = idx.info.MinZoom
	if _, ok := item["quadkey_zoom"]; ok {
		if idx.info.QuadkeyZoom, err = numberAttr(item, "quadkey_zoom"); err != nil {
			return nil, err
		}
	}
	if l, ok := item["bounds"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			n, ok := v.(*types.AttributeValueMemberN)
			if !ok {
				return nil, fmt.Errorf("mosaic %q: bounds must be numbers", id)
			}
			f, err := strconv.ParseFloat(n.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("mosaic %q: bounds: %w", id, err)
			}
			idx.info.Bounds = append(idx.info.Bounds, f)
		}
	}

	return idx, nil
}

func (d *dynamoIndex) get(ctx context.Context, quadkey string) (map[string]types.AttributeValue, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"mosaicId": &types.AttributeValueMemberS{Value: d.id},
			"quadkey":  &types.AttributeValueMemberS{Value: quadkey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s:%s quadkey %s: %w", d.table, d.id, quadkey, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (d *dynamoIndex) Info() Info { return d.info }

func (d *dynamoIndex) Assets(ctx context.Context, quadkeys []string) ([]string, error) {
	var assets []string
	for _, qk := range quadkeys {
		item, err := d.get(ctx, qk)
		if err != nil {
			return nil, err
		}
		l, ok := item["assets"].(*types.AttributeValueMemberL)
		if !ok {
			continue
		}
		for _, v := range l.Value {
			s, ok := v.(*types.AttributeValueMemberS)
			if !ok {
				return nil, fmt.Errorf("%s:%s quadkey %s: assets must be strings", d.table, d.id, qk)
			}
			assets = append(assets, s.Value)
		}
	}
	return assets, nil
}

func numberAttr(item map[string]types.AttributeValue, name string) (int, error) {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("mosaic metadata: missing number %q", name)
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("mosaic metadata %q: %w", name, err)
	}
	return v, nil
}
