package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
)

// Document field names, shared with the browser admin UI.
const (
	fieldPassport        = "passport"
	fieldFullName        = "fullName"
	fieldBirthday        = "birthday"
	fieldStudentID       = "studentId"
	fieldStatus          = "status"
	fieldApplicationDate = "applicationDate"
	fieldLastChecked     = "lastChecked"
	fieldAutoCheck       = "autoCheck"
	fieldAPIResponse     = "apiResponse"
)

// FirebaseCredentials are the service-account fields read from the environment.
type FirebaseCredentials struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
}

// OpenFirestore initializes a Firebase app for creds and returns its Firestore client.
func OpenFirestore(ctx context.Context, creds FirebaseCredentials) (*firestore.Client, error) {
	raw, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   creds.ProjectID,
		"client_email": creds.ClientEmail,
		"private_key":  creds.PrivateKey,
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		return nil, fmt.Errorf("encode service account: %w", err)
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: creds.ProjectID}, option.WithCredentialsJSON(raw))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore: %w", err)
	}
	return client, nil
}

// FirestoreRepository keeps one document per passport in a collection.
type FirestoreRepository struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

var (
	_ ports.RecordRepository = (*FirestoreRepository)(nil)
	_ ports.ChangeFeed       = (*FirestoreRepository)(nil)
)

// NewFirestoreRepository wires a Firestore client and collection name.
func NewFirestoreRepository(client *firestore.Client, collection string, logger *slog.Logger) *FirestoreRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirestoreRepository{client: client, collection: collection, logger: logger}
}

func (r *FirestoreRepository) col() *firestore.CollectionRef {
	return r.client.Collection(r.collection)
}

func (r *FirestoreRepository) ListAutoCheck(ctx context.Context) ([]domain.Record, error) {
	return r.query(ctx, r.col().Where(fieldAutoCheck, "==", true))
}

func (r *FirestoreRepository) List(ctx context.Context) ([]domain.Record, error) {
	return r.query(ctx, r.col().Query)
}

func (r *FirestoreRepository) query(ctx context.Context, q firestore.Query) ([]domain.Record, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.collection, err)
	}
	out := make([]domain.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, recordFromData(doc.Ref.ID, doc.Data()))
	}
	sortRecords(out)
	return out, nil
}

func (r *FirestoreRepository) Get(ctx context.Context, passport string) (domain.Record, error) {
	doc, err := r.col().Doc(passport).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get %s: %w", passport, err)
	}
	return recordFromData(doc.Ref.ID, doc.Data()), nil
}

func (r *FirestoreRepository) Create(ctx context.Context, record domain.Record) error {
	data := map[string]any{
		fieldPassport:    record.Passport,
		fieldFullName:    record.FullName,
		fieldBirthday:    record.Birthday,
		fieldStudentID:   record.StudentID,
		fieldStatus:      record.Status,
		fieldLastChecked: firestore.ServerTimestamp,
		fieldAutoCheck:   record.AutoCheck,
	}
	if record.ApplicationDate != "" {
		data[fieldApplicationDate] = record.ApplicationDate
	}

	_, err := r.col().Doc(record.Passport).Create(ctx, data)
	if status.Code(err) == codes.AlreadyExists {
		return domain.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", record.Passport, err)
	}
	return nil
}

func (r *FirestoreRepository) UpdateDetails(ctx context.Context, passport string, details domain.Details) error {
	return r.update(ctx, passport, []firestore.Update{
		{Path: fieldFullName, Value: details.FullName},
		{Path: fieldBirthday, Value: details.Birthday},
		{Path: fieldStudentID, Value: details.StudentID},
		{Path: fieldAutoCheck, Value: details.AutoCheck},
	})
}

func (r *FirestoreRepository) ApplyCheck(ctx context.Context, passport string, update domain.CheckUpdate) error {
	return r.update(ctx, passport, checkUpdates(update))
}

func (r *FirestoreRepository) update(ctx context.Context, passport string, updates []firestore.Update) error {
	_, err := r.col().Doc(passport).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", passport, err)
	}
	return nil
}

func (r *FirestoreRepository) Delete(ctx context.Context, passport string) error {
	_, err := r.col().Doc(passport).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", passport, err)
	}
	return nil
}

// Watch follows the collection with query snapshots. The first snapshot
// reports every existing document as added and is followed by ChangeSynced.
func (r *FirestoreRepository) Watch(ctx context.Context) iter.Seq2[domain.RecordChange, error] {
	return func(yield func(domain.RecordChange, error) bool) {
		it := r.col().Snapshots(ctx)
		defer it.Stop()

		synced := false

		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, iterator.Done) {
					return
				}
				yield(domain.RecordChange{}, fmt.Errorf("watch %s: %w", r.collection, err))
				return
			}
			for _, change := range snap.Changes {
				rc := domain.RecordChange{
					Kind:   changeKind(change.Kind),
					Record: recordFromData(change.Doc.Ref.ID, change.Doc.Data()),
				}
				if !yield(rc, nil) {
					return
				}
			}
			if !synced {
				// the first snapshot holds the whole collection
				synced = true
				if !yield(domain.RecordChange{Kind: domain.ChangeSynced}, nil) {
					return
				}
			}
		}
	}
}

func changeKind(kind firestore.DocumentChangeKind) domain.ChangeKind {
	switch kind {
	case firestore.DocumentAdded:
		return domain.ChangeAdded
	case firestore.DocumentRemoved:
		return domain.ChangeRemoved
	default:
		return domain.ChangeModified
	}
}

func checkUpdates(update domain.CheckUpdate) []firestore.Update {
	updates := []firestore.Update{
		{Path: fieldStatus, Value: update.Status},
		{Path: fieldLastChecked, Value: firestore.ServerTimestamp},
		{Path: fieldAPIResponse, Value: decodeJSON(update.APIResponse)},
	}
	if update.ApplicationDate != "" {
		updates = append(updates, firestore.Update{Path: fieldApplicationDate, Value: update.ApplicationDate})
	}
	return updates
}

// recordFromData maps a document tolerantly; documents written by older clients
// may miss fields or carry unexpected types.
func recordFromData(id string, data map[string]any) domain.Record {
	rec := domain.Record{
		Passport:        stringValue(data[fieldPassport]),
		FullName:        stringValue(data[fieldFullName]),
		Birthday:        stringValue(data[fieldBirthday]),
		StudentID:       stringValue(data[fieldStudentID]),
		Status:          stringValue(data[fieldStatus]),
		ApplicationDate: stringValue(data[fieldApplicationDate]),
	}
	if rec.Passport == "" {
		rec.Passport = id
	}
	if t, ok := data[fieldLastChecked].(time.Time); ok {
		rec.LastChecked = t
	}
	if auto, ok := data[fieldAutoCheck].(bool); ok {
		rec.AutoCheck = auto
	}
	if v, ok := data[fieldAPIResponse]; ok && v != nil {
		if raw, err := json.Marshal(v); err == nil {
			rec.APIResponse = raw
		}
	}
	return rec
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
