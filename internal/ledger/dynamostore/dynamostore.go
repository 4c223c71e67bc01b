// Package dynamostore implements ledger.Store on a single DynamoDB table.
//
// Items share one string hash key "pk":
//
//	PROJECT#<id>   project attributes
//	DONATION#<id>  donation attributes
//	TOKEN#<token>  donation_id; makes correlation tokens unique
//	SEQ#<name>     id counters
//
// Status transitions and aggregate increments go through TransactWriteItems
// so the compare-and-swap on the donation and the ADD on the project commit
// or fail together.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	kindProject  = "project"
	kindDonation = "donation"
)

// API is the subset of *dynamodb.Client the store needs.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Store is the DynamoDB ledger.
type Store struct {
	client API
	table  string
}

var _ ledger.Store = (*Store)(nil)

// New creates a Store on table.
func New(client API, table string) *Store {
	return &Store{client: client, table: table}
}

func projectKey(id uint) string    { return fmt.Sprintf("PROJECT#%d", id) }
func donationKey(id uint) string   { return fmt.Sprintf("DONATION#%d", id) }
func tokenKey(token string) string { return "TOKEN#" + token }

func key(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}}
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func n(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func ts(t time.Time) types.AttributeValue { return s(t.UTC().Format(time.RFC3339Nano)) }

// EnsureTable creates the ledger table when it does not exist yet.
func (st *Store) EnsureTable(ctx context.Context) error {
	_, err := st.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(st.table)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("describe table: %w", err)
	}

	_, err = st.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(st.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
		},
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// nextID atomically increments the named counter.
func (st *Store) nextID(ctx context.Context, name string) (uint, error) {
	out, err := st.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(st.table),
		Key:                       key("SEQ#" + name),
		UpdateExpression:          aws.String("ADD #v :one"),
		ExpressionAttributeNames:  map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": n(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", name, err)
	}
	v, ok := out.Attributes["value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("next %s id: counter missing", name)
	}
	id, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", name, err)
	}
	return uint(id), nil
}

func marshalItem(pk, kind string, v any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, err
	}
	item["pk"] = s(pk)
	item["kind"] = s(kind)
	return item, nil
}

func (st *Store) getItem(ctx context.Context, pk string, out any) error {
	res, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.table),
		Key:            key(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return err
	}
	if len(res.Item) == 0 {
		return ledger.ErrNotFound
	}
	return attributevalue.UnmarshalMap(res.Item, out)
}

func (st *Store) scanKind(ctx context.Context, kind string, each func(map[string]types.AttributeValue) error) error {
	var start map[string]types.AttributeValue
	for {
		out, err := st.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(st.table),
			FilterExpression:          aws.String("#kind = :kind"),
			ExpressionAttributeNames:  map[string]string{"#kind": "kind"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":kind": s(kind)},
			ExclusiveStartKey:         start,
			ConsistentRead:            aws.Bool(true),
		})
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			if err := each(item); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		start = out.LastEvaluatedKey
	}
}

func (st *Store) CreateProject(ctx context.Context, p *models.Project) error {
	id, err := st.nextID(ctx, kindProject)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	now := time.Now().UTC()
	p.ID = id
	if p.Status == "" {
		p.Status = models.ProjectActive
	}
	p.CreatedAt, p.UpdatedAt = now, now

	item, err := marshalItem(projectKey(id), kindProject, p)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	_, err = st.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(st.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (st *Store) GetProject(ctx context.Context, id uint) (*models.Project, error) {
	var p models.Project
	if err := st.getItem(ctx, projectKey(id), &p); err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (st *Store) ListProjects(ctx context.Context, f ledger.ProjectFilter) ([]models.Project, error) {
	var list []models.Project
	err := st.scanKind(ctx, kindProject, func(item map[string]types.AttributeValue) error {
		var p models.Project
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return err
		}
		if f.Status != "" && p.Status != f.Status {
			return nil
		}
		if f.Category != "" && !strings.EqualFold(p.Category, f.Category) {
			return nil
		}
		list = append(list, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (st *Store) SetProjectStatus(ctx context.Context, id uint, status models.ProjectStatus) (*models.Project, error) {
	out, err := st.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(st.table),
		Key:                      key(projectKey(id)),
		UpdateExpression:         aws.String("SET #status = :s, updated_at = :at"),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":  s(string(status)),
			":at": ts(time.Now()),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("set project status: %w", ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("set project status: %w", err)
	}
	var p models.Project
	if err := attributevalue.UnmarshalMap(out.Attributes, &p); err != nil {
		return nil, fmt.Errorf("set project status: %w", err)
	}
	return &p, nil
}

func (st *Store) CreateDonation(ctx context.Context, d *models.Donation) error {
	id, err := st.nextID(ctx, kindDonation)
	if err != nil {
		return fmt.Errorf("create donation: %w", err)
	}
	now := time.Now().UTC()
	d.ID = id
	d.CreatedAt, d.UpdatedAt = now, now

	item, err := marshalItem(donationKey(id), kindDonation, d)
	if err != nil {
		return fmt.Errorf("create donation: %w", err)
	}

	_, err = st.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(st.table),
				Key:                 key(projectKey(d.ProjectID)),
				ConditionExpression: aws.String("attribute_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(st.table),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName: aws.String(st.table),
				Item: map[string]types.AttributeValue{
					"pk":          s(tokenKey(d.CorrelationToken)),
					"donation_id": n(int64(id)),
				},
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("create donation: %w", cancelled(err, ledger.ErrNotFound, ledger.ErrConflict, ledger.ErrConflict))
	}
	return nil
}

func (st *Store) GetDonation(ctx context.Context, id uint) (*models.Donation, error) {
	var d models.Donation
	if err := st.getItem(ctx, donationKey(id), &d); err != nil {
		return nil, fmt.Errorf("get donation: %w", err)
	}
	p, err := st.GetProject(ctx, d.ProjectID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("get donation: %w", err)
	}
	d.Project = p
	return &d, nil
}

func (st *Store) ListDonations(ctx context.Context, f ledger.DonationFilter) ([]models.Donation, error) {
	projects := map[uint]*models.Project{}
	err := st.scanKind(ctx, kindProject, func(item map[string]types.AttributeValue) error {
		var p models.Project
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return err
		}
		projects[p.ID] = &p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list donations: %w", err)
	}

	var list []models.Donation
	err = st.scanKind(ctx, kindDonation, func(item map[string]types.AttributeValue) error {
		var d models.Donation
		if err := attributevalue.UnmarshalMap(item, &d); err != nil {
			return err
		}
		if !matches(d, f) {
			return nil
		}
		d.Project = projects[d.ProjectID]
		list = append(list, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list donations: %w", err)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func matches(d models.Donation, f ledger.DonationFilter) bool {
	if f.ProjectID != 0 && d.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !d.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func (st *Store) FindDonationByToken(ctx context.Context, token string) (*models.Donation, error) {
	var ref struct {
		DonationID uint `dynamodbav:"donation_id"`
	}
	if err := st.getItem(ctx, tokenKey(token), &ref); err != nil {
		return nil, fmt.Errorf("find donation by token: %w", err)
	}
	var d models.Donation
	if err := st.getItem(ctx, donationKey(ref.DonationID), &d); err != nil {
		return nil, fmt.Errorf("find donation by token: %w", err)
	}
	return &d, nil
}

func (st *Store) AttachToken(ctx context.Context, donationID uint, token string, at time.Time) (*models.Donation, error) {
	var d models.Donation
	if err := st.getItem(ctx, donationKey(donationID), &d); err != nil {
		return nil, fmt.Errorf("attach token: %w", err)
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("attach token: donation %d is %s: %w", d.ID, d.Status, ledger.ErrConflict)
	}
	if d.CorrelationToken == token {
		return &d, nil
	}
	if ledger.HasProviderToken(&d) {
		return nil, fmt.Errorf("attach token: donation %d already has a provider token: %w", d.ID, ledger.ErrConflict)
	}

	// the placeholder's TOKEN# item is dropped; it never matches a callback.
	// The condition on the old token makes concurrent attaches lose with ErrConflict.
	id := n(int64(donationID))
	_, err := st.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(st.table),
				Item:                map[string]types.AttributeValue{"pk": s(tokenKey(token)), "donation_id": id},
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Update: &types.Update{
				TableName:                aws.String(st.table),
				Key:                      key(donationKey(donationID)),
				UpdateExpression:         aws.String("SET correlation_token = :tok, updated_at = :at"),
				ConditionExpression:      aws.String("#status = :pending AND correlation_token = :old"),
				ExpressionAttributeNames: map[string]string{"#status": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":tok":     s(token),
					":at":      ts(at),
					":pending": s(string(models.DonationPending)),
					":old":     s(d.CorrelationToken),
				},
			}},
			{Delete: &types.Delete{
				TableName:                 aws.String(st.table),
				Key:                       key(tokenKey(d.CorrelationToken)),
				ConditionExpression:       aws.String("donation_id = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":id": id},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("attach token: %w", cancelled(err, ledger.ErrConflict, ledger.ErrConflict, ledger.ErrConflict))
	}
	d.CorrelationToken = token
	d.UpdatedAt = at
	return &d, nil
}

// Transition commits the status CAS and, for completed donations, the
// aggregate ADD in a single transaction.
func (st *Store) Transition(ctx context.Context, t ledger.Transition) (*models.Donation, error) {
	if !t.To.Terminal() {
		return nil, fmt.Errorf("transition to %q: only terminal states are allowed", t.To)
	}

	var d models.Donation
	if err := st.getItem(ctx, donationKey(t.DonationID), &d); err != nil {
		return nil, fmt.Errorf("transition donation: %w", err)
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("transition donation: %w", ledger.ErrNotPending)
	}

	in := transitionInput(st.table, d, t)
	if _, err := st.client.TransactWriteItems(ctx, in); err != nil {
		return nil, fmt.Errorf("transition donation: %w", cancelled(err, ledger.ErrNotPending, ledger.ErrNotFound))
	}

	d.Status = t.To
	d.UpdatedAt = t.At
	if t.ProviderReference != "" {
		d.ProviderReference = t.ProviderReference
	}
	return &d, nil
}

// transitionInput builds the transaction for t. The increment uses d.Amount,
// the amount stored at creation.
func transitionInput(table string, d models.Donation, t ledger.Transition) *dynamodb.TransactWriteItemsInput {
	set := "SET #status = :to, updated_at = :at"
	values := map[string]types.AttributeValue{
		":to":      s(string(t.To)),
		":at":      ts(t.At),
		":pending": s(string(models.DonationPending)),
	}
	if t.ProviderReference != "" {
		set += ", provider_reference = :ref"
		values[":ref"] = s(t.ProviderReference)
	}

	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                 aws.String(table),
			Key:                       key(donationKey(d.ID)),
			UpdateExpression:          aws.String(set),
			ConditionExpression:       aws.String("#status = :pending"),
			ExpressionAttributeNames:  map[string]string{"#status": "status"},
			ExpressionAttributeValues: values,
		}},
	}
	if t.To == models.DonationCompleted {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           aws.String(table),
			Key:                 key(projectKey(d.ProjectID)),
			UpdateExpression:    aws.String("ADD raised_amount :amt SET updated_at = :at"),
			ConditionExpression: aws.String("attribute_exists(pk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":amt": n(d.Amount),
				":at":  ts(t.At),
			},
		}})
	}
	return &dynamodb.TransactWriteItemsInput{TransactItems: items}
}

func (st *Store) Stats(ctx context.Context, monthStart time.Time) (ledger.Stats, error) {
	var out ledger.Stats
	err := st.scanKind(ctx, kindDonation, func(item map[string]types.AttributeValue) error {
		var d models.Donation
		if err := attributevalue.UnmarshalMap(item, &d); err != nil {
			return err
		}
		if d.Status != models.DonationCompleted {
			return nil
		}
		out.Count++
		out.Total += d.Amount
		if !d.CreatedAt.Before(monthStart) {
			out.ThisMonth += d.Amount
		}
		return nil
	})
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("stats: %w", err)
	}
	if out.Count > 0 {
		out.Average = float64(out.Total) / float64(out.Count)
	}
	return out, nil
}

// cancelled maps a cancelled transaction onto the sentinel for the first
// item whose condition failed. perItem[i] is used for TransactItems[i].
func cancelled(err error, perItem ...error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return err
	}
	for i, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
			continue
		}
		if i < len(perItem) {
			return perItem[i]
		}
	}
	return err
}
