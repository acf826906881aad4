package stores

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rebac"
)

// RedisRelationStore keeps relation tuples in Redis sets, one set per
// (tenant, namespace, object, relation) plus a reverse index per subject so
// ListObjectsForSubject stays a single SMEMBERS. Both directions are written
// on every grant/revoke; Redis set semantics give idempotent inserts for
// free.
type RedisRelationStore struct {
	client *redis.Client
}

func NewRedisRelationStore(client *redis.Client) *RedisRelationStore {
	return &RedisRelationStore{client: client}
}

func (r *RedisRelationStore) forwardKey(tenant, namespace, objectID, relation string) string {
	return fmt.Sprintf("rel:%s:%s:%s#%s", tenant, namespace, objectID, relation)
}

func (r *RedisRelationStore) reverseKey(tenant, subject, namespace, relation string) string {
	return fmt.Sprintf("relsub:%s:%s:%s#%s", tenant, subject, namespace, relation)
}

func (r *RedisRelationStore) objectKey(tenant, namespace, objectID string) string {
	return fmt.Sprintf("relobj:%s:%s:%s", tenant, namespace, objectID)
}

func (r *RedisRelationStore) Grant(ctx context.Context, t *rebac.RelationTuple) error {
	subject := t.Subject.String()
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.forwardKey(t.TenantID, t.Namespace, t.ObjectID, t.Relation), subject)
	pipe.SAdd(ctx, r.reverseKey(t.TenantID, subject, t.Namespace, t.Relation), t.ObjectID)
	pipe.SAdd(ctx, r.objectKey(t.TenantID, t.Namespace, t.ObjectID), t.Relation+"@"+subject)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRelationStore) Revoke(ctx context.Context, t *rebac.RelationTuple) error {
	subject := t.Subject.String()
	removed, err := r.client.SRem(ctx, r.forwardKey(t.TenantID, t.Namespace, t.ObjectID, t.Relation), subject).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", rebac.ErrNotFound, t.Key())
	}
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.reverseKey(t.TenantID, subject, t.Namespace, t.Relation), t.ObjectID)
	pipe.SRem(ctx, r.objectKey(t.TenantID, t.Namespace, t.ObjectID), t.Relation+"@"+subject)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRelationStore) Has(ctx context.Context, t *rebac.RelationTuple) (bool, error) {
	return r.client.SIsMember(ctx, r.forwardKey(t.TenantID, t.Namespace, t.ObjectID, t.Relation), t.Subject.String()).Result()
}

func (r *RedisRelationStore) ListSubjects(ctx context.Context, tenant, namespace, objectID, relation string) ([]rebac.SubjectRef, error) {
	members, err := r.client.SMembers(ctx, r.forwardKey(tenant, namespace, objectID, relation)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]rebac.SubjectRef, 0, len(members))
	for _, m := range members {
		ref, err := rebac.ParseSubjectRef(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt subject member: %w", err)
		}
		out = append(out, ref)
	}
	return out, nil
}

func (r *RedisRelationStore) ListTuples(ctx context.Context, tenant, namespace, objectID string) ([]*rebac.RelationTuple, error) {
	members, err := r.client.SMembers(ctx, r.objectKey(tenant, namespace, objectID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]*rebac.RelationTuple, 0, len(members))
	for _, m := range members {
		relation, rawSubject, ok := cutRelationMember(m)
		if !ok {
			return nil, fmt.Errorf("corrupt object member: %s", m)
		}
		ref, err := rebac.ParseSubjectRef(rawSubject)
		if err != nil {
			return nil, fmt.Errorf("corrupt subject member: %w", err)
		}
		out = append(out, &rebac.RelationTuple{
			TenantID:  tenant,
			Namespace: namespace,
			ObjectID:  objectID,
			Relation:  relation,
			Subject:   ref,
		})
	}
	return out, nil
}

func (r *RedisRelationStore) ListObjectsForSubject(ctx context.Context, tenant string, subject rebac.SubjectRef, namespace, relation string, page rebac.Page) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.reverseKey(tenant, subject.String(), namespace, relation)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return paginate(members, page), nil
}

// cutRelationMember splits "relation@subject" at the first '@'.
func cutRelationMember(m string) (relation, subject string, ok bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == '@' {
			return m[:i], m[i+1:], true
		}
	}
	return "", "", false
}
