// Package profile is the user directory: one profile document per user plus
// avatar images kept in the blob store.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"directchat/pkg/docstore"
	"directchat/pkg/domain"
	"directchat/pkg/storage"
)

const usersCollection = "users"

// Document field names, shared with clients reading the store directly.
const (
	fieldUID       = "uid"
	fieldEmail     = "email"
	fieldAvatar    = "profileImageUrl"
	fieldCreatedAt = "createdAt"
)

// ErrAvatarAlreadySet is returned when a user's avatar reference is set twice.
var ErrAvatarAlreadySet = errors.New("avatar already set")

// Directory maps user IDs to profile attributes.
type Directory struct {
	docs  docstore.Store
	blobs storage.BlobStore
}

// New builds a directory. blobs may be nil when avatars are not uploaded.
func New(docs docstore.Store, blobs storage.BlobStore) *Directory {
	return &Directory{docs: docs, blobs: blobs}
}

// Create writes the profile document of a newly registered user.
func (d *Directory) Create(ctx context.Context, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if err := d.docs.Set(ctx, userPath(u.ID), userFields(u)); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Get returns a profile or domain.ErrNotFound.
func (d *Directory) Get(ctx context.Context, id string) (domain.User, error) {
	fields, err := d.docs.Get(ctx, userPath(id))
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch profile: %w", err)
	}
	u := userFromFields(fields)
	if u.ID == "" {
		u.ID = id
	}
	return u, nil
}

// List returns all profiles ordered by email.
func (d *Directory) List(ctx context.Context) ([]domain.User, error) {
	docs, err := d.docs.List(ctx, usersCollection, fieldEmail)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	users := make([]domain.User, 0, len(docs))
	for _, doc := range docs {
		u := userFromFields(doc.Fields)
		if u.ID == "" {
			u.ID = doc.ID
		}
		users = append(users, u)
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

// FindByEmail returns the profile registered with email.
func (d *Directory) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	email = domain.NormalizeEmail(email)
	users, err := d.List(ctx)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("profile %q: %w", email, domain.ErrNotFound)
}

// SetAvatar records the avatar reference. It can be set only once.
func (d *Directory) SetAvatar(ctx context.Context, id, ref string) error {
	u, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.AvatarRef != "" {
		return ErrAvatarAlreadySet
	}
	u.AvatarRef = ref
	if err := d.docs.Set(ctx, userPath(id), userFields(u)); err != nil {
		return fmt.Errorf("save avatar: %w", err)
	}
	return nil
}

// UploadAvatar stores the image, resolves its download URL and records it.
func (d *Directory) UploadAvatar(ctx context.Context, id string, r io.Reader, size int64, contentType string) (string, error) {
	if d.blobs == nil {
		return "", errors.New("blob store not configured")
	}
	key := "avatars/" + id
	if err := d.blobs.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	ref, err := d.blobs.DownloadURL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve avatar url: %w", err)
	}
	if err := d.SetAvatar(ctx, id, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func userPath(id string) string {
	return docstore.Join(usersCollection, id)
}

func userFields(u domain.User) docstore.Fields {
	return docstore.Fields{
		fieldUID:       u.ID,
		fieldEmail:     u.Email,
		fieldAvatar:    u.AvatarRef,
		fieldCreatedAt: u.CreatedAt.UTC(),
	}
}

func userFromFields(f docstore.Fields) domain.User {
	u := domain.User{}
	u.ID, _ = f[fieldUID].(string)
	u.Email, _ = f[fieldEmail].(string)
	u.AvatarRef, _ = f[fieldAvatar].(string)
	u.CreatedAt, _ = f[fieldCreatedAt].(time.Time)
	return u
}
