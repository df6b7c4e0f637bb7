// Copyright 2026 Annex Project
//
// Durable Store Tests

package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seismicgear/annex/pkg/config"
)

func testClient(t *testing.T) (*Client, *Repositories) {
	t.Helper()

	cfg := &config.Config{
		DBPath:            filepath.Join(t.TempDir(), "annex.db"),
		DBMaxOpenConns:    4,
		DBMaxIdleConns:    2,
		DBConnMaxLifetime: time.Hour,
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repos := NewRepositories(client)
	if err := repos.Policy.EnsureServer(context.Background(), &Server{
		Slug: "default", Label: "Test", PublicKey: "00",
	}); err != nil {
		t.Fatalf("ensure server: %v", err)
	}
	return client, repos
}

func TestMigrateUp_Idempotent(t *testing.T) {
	client, _ := testClient(t)

	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	status, err := client.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range status {
		if !m.Applied {
			t.Errorf("migration %s not applied", m.Version)
		}
	}
}

func TestEventSeq_GapFreePerServer(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := client.WithTx(ctx, func(tx *sql.Tx) error {
			seq, err := repos.Events.Append(ctx, tx, &Event{
				ServerSlug: "default",
				Domain:     DomainIdentity,
				EventType:  "registered",
				EntityType: "commitment",
				EntityID:   uuid.NewString(),
			})
			if err != nil {
				return err
			}
			if seq != int64(i+1) {
				t.Errorf("event %d assigned seq %d", i, seq)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := repos.Events.List(ctx, "default", "", 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("listed %d events, want 5", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}

	// Checkpointed read resumes past the cursor.
	tail, err := repos.Events.List(ctx, "default", DomainIdentity, 3, 100)
	if err != nil {
		t.Fatalf("list after seq: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 {
		t.Errorf("checkpoint read returned %d events starting at %d", len(tail), tail[0].Seq)
	}
}

func TestEventAppend_RollsBackWithDomainWrite(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	boom := errors.New("domain write failed")
	err := client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := repos.Events.Append(ctx, tx, &Event{
			ServerSlug: "default", Domain: DomainIdentity, EventType: "registered",
			EntityType: "commitment", EntityID: "x",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error = %v, want boom", err)
	}

	events, err := repos.Events.List(ctx, "default", "", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("event survived a rolled-back transaction")
	}
}

func TestRotateActiveRoot_SingleActive(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	roots := []string{"aa", "bb", "cc"}
	for _, root := range roots {
		err := client.WithTx(ctx, func(tx *sql.Tx) error {
			return repos.Registry.RotateActiveRoot(ctx, tx, "default", root)
		})
		if err != nil {
			t.Fatalf("rotate to %s: %v", root, err)
		}
	}

	active, err := repos.Registry.ActiveRoot(ctx, "default")
	if err != nil {
		t.Fatalf("active root: %v", err)
	}
	if active.RootHex != "cc" {
		t.Errorf("active root = %s, want cc", active.RootHex)
	}

	total, retired, err := repos.Registry.CountRoots(ctx, "default")
	if err != nil {
		t.Fatalf("count roots: %v", err)
	}
	if total != 3 || retired != 2 {
		t.Errorf("roots total=%d retired=%d, want 3/2", total, retired)
	}

	for _, root := range roots {
		ok, err := repos.Registry.RootExists(ctx, "default", root)
		if err != nil || !ok {
			t.Errorf("historical root %s not found (%v)", root, err)
		}
	}
	ok, err := repos.Registry.RootExists(ctx, "default", "never")
	if err != nil || ok {
		t.Errorf("unknown root reported as existing")
	}
}

func TestInsertNullifier_ReplayMapsToSentinel(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	n := &Nullifier{
		ServerSlug: "default", Topic: "annex:server:default:v1",
		NullifierHex: "n1", PseudonymID: "p1", CommitmentHex: "c1",
	}
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.InsertNullifier(ctx, tx, n)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.InsertNullifier(ctx, tx, n)
	})
	if !errors.Is(err, ErrNullifierReplay) {
		t.Errorf("replay = %v, want ErrNullifierReplay", err)
	}

	// Same nullifier under a different topic is a fresh row.
	n2 := *n
	n2.Topic = "annex:channel:general:v1"
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.InsertNullifier(ctx, tx, &n2)
	}); err != nil {
		t.Errorf("different topic rejected: %v", err)
	}

	got, err := repos.Identities.CommitmentForPseudonym(ctx, "default", "p1")
	if err != nil || got != "c1" {
		t.Errorf("reverse resolution = %s, %v", got, err)
	}
}

func TestInsertCommitment_Duplicate(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	c := &Commitment{
		ServerSlug: "default", CommitmentHex: "abc", RoleCode: 1,
		NodeID: 42, IdentityID: uuid.NewString(),
	}
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Registry.InsertCommitment(ctx, tx, c)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Registry.InsertCommitment(ctx, tx, c)
	})
	if !errors.Is(err, ErrDuplicateCommitment) {
		t.Errorf("duplicate = %v, want ErrDuplicateCommitment", err)
	}
}

func TestPlatformIdentity_UpsertAndCapabilities(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	id := &PlatformIdentity{
		ServerSlug: "default", PseudonymID: "p1",
		ParticipantType: ParticipantHuman,
		Capabilities:    FounderCapabilities(),
		Active:          true,
	}
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.UpsertPlatformIdentity(ctx, tx, id)
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A second upsert must not clobber capability bits.
	weaker := *id
	weaker.Capabilities = Capabilities{}
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.UpsertPlatformIdentity(ctx, tx, &weaker)
	}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := repos.Identities.GetPlatformIdentity(ctx, "default", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Capabilities.CanModerate || !got.Capabilities.CanFederate {
		t.Errorf("founder capabilities lost on re-upsert: %+v", got.Capabilities)
	}
	if got.Capabilities.CanBridge {
		t.Errorf("bridge capability granted implicitly")
	}

	caps := got.Capabilities
	caps.CanVoice = false
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.UpdateCapabilities(ctx, tx, "default", "p1", caps)
	}); err != nil {
		t.Fatalf("update capabilities: %v", err)
	}
	got, err = repos.Identities.GetPlatformIdentity(ctx, "default", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Capabilities.CanVoice {
		t.Errorf("capability toggle not persisted")
	}

	err = client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Identities.UpdateCapabilities(ctx, tx, "default", "missing", caps)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing identity = %v, want ErrNotFound", err)
	}
}

func TestAgreementTransition_SingleActiveRow(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	inst := &Instance{ID: uuid.NewString(), BaseURL: "https://peer.example", PublicKey: "pk", Status: "known"}
	if err := repos.Federation.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	for _, alignment := range []string{"Aligned", "Conflict"} {
		err := client.WithTx(ctx, func(tx *sql.Tx) error {
			return repos.Federation.TransitionAgreement(ctx, tx, &FederationAgreement{
				ID: uuid.NewString(), ServerSlug: "default", InstanceID: inst.ID,
				AlignmentStatus: alignment, TransferScope: "no_transfer", AgreementBody: "{}",
			})
		})
		if err != nil {
			t.Fatalf("transition to %s: %v", alignment, err)
		}
	}

	total, active, err := repos.Federation.CountAgreements(ctx, "default", inst.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 || active != 1 {
		t.Errorf("agreements total=%d active=%d, want 2/1", total, active)
	}

	a, err := repos.Federation.GetActiveAgreement(ctx, "default", inst.ID)
	if err != nil {
		t.Fatalf("active agreement: %v", err)
	}
	if a.AlignmentStatus != "Conflict" {
		t.Errorf("active agreement alignment = %s, want Conflict", a.AlignmentStatus)
	}
}

func TestFederatedIdentity_UpsertTouchDelete(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	inst := &Instance{ID: uuid.NewString(), BaseURL: "https://peer2.example", PublicKey: "pk", Status: "known"}
	if err := repos.Federation.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	verified := time.Now().UTC().Truncate(time.Second)
	fi := &FederatedIdentity{
		ID: uuid.NewString(), ServerSlug: "default", InstanceID: inst.ID,
		CommitmentHex: "c", PseudonymID: "p", VRPTopic: "annex:federation:v1",
		RootHexAtVerification: "r", ProofJSON: "{}", PublicSignals: "[]",
		LastVerifiedAt: verified,
	}
	if err := client.WithTx(ctx, func(tx *sql.Tx) error {
		return repos.Federation.UpsertFederatedIdentity(ctx, tx, fi)
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repos.Federation.GetFederatedIdentity(ctx, "default", inst.ID, fi.VRPTopic, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt != nil {
		t.Errorf("expires_at set without policy TTL")
	}

	later := verified.Add(time.Hour)
	exp := later.Add(24 * time.Hour)
	if err := repos.Federation.TouchFederatedIdentity(ctx, got.ID, later, &exp); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err = repos.Federation.GetFederatedIdentity(ctx, "default", inst.ID, fi.VRPTopic, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastVerifiedAt.After(verified) || got.ExpiresAt == nil {
		t.Errorf("touch not persisted: %+v", got)
	}

	if err := repos.Federation.DeleteFederatedIdentity(ctx, got.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repos.Federation.GetFederatedIdentity(ctx, "default", inst.ID, fi.VRPTopic, "p"); !errors.Is(err, ErrFederatedIdentityNotFound) {
		t.Errorf("deleted identity still resolvable: %v", err)
	}
}

func TestPolicyVersions_LatestWins(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	if _, err := repos.Policy.LatestPolicyVersion(ctx, "default"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("empty chain = %v, want ErrPolicyNotFound", err)
	}

	for i, body := range []string{`{"v":1}`, `{"v":2}`} {
		v := &PolicyVersion{VersionID: uuid.NewString(), ServerSlug: "default", Body: body}
		if err := client.WithTx(ctx, func(tx *sql.Tx) error {
			return repos.Policy.AppendPolicyVersion(ctx, tx, v)
		}); err != nil {
			t.Fatalf("append version %d: %v", i, err)
		}
	}

	latest, err := repos.Policy.LatestPolicyVersion(ctx, "default")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Body != `{"v":2}` {
		t.Errorf("latest body = %s, want v2", latest.Body)
	}
}

func TestSweepExpiredMessages(t *testing.T) {
	client, repos := testClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insert := func(id string, expires interface{}) {
		if _, err := client.DB().ExecContext(ctx, `
			INSERT INTO messages (id, server_slug, channel_id, pseudonym_id, body, expires_at)
			VALUES (?, 'default', 'general', 'p', 'x', ?)`, id, expires); err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}
	insert("m1", now.Add(-time.Hour))
	insert("m2", now.Add(time.Hour))
	insert("m3", nil)

	swept, err := repos.Policy.SweepExpiredMessages(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept %d messages, want 1", swept)
	}

	var remaining int
	if err := client.DB().QueryRowContext(ctx, "SELECT COUNT(1) FROM messages").Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 2 {
		t.Errorf("%d messages remain, want 2", remaining)
	}
}
