package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultStore implements Store on a Vault KV v2 mount.
// Paths are relative to the mount; the KVv2 helper adds the data/ and metadata/ segments.
type VaultStore struct {
	client *vaultapi.Client
	mount  string
}

// NewVaultClient builds an authenticated Vault API client
func NewVaultClient(addr, token string) (*vaultapi.Client, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// NewVaultStore creates a VaultStore using an existing Vault client
func NewVaultStore(client *vaultapi.Client, mount string) *VaultStore {
	return &VaultStore{
		client: client,
		mount:  mount,
	}
}

// Get retrieves the latest version of the secret at path
func (vs *VaultStore) Get(ctx context.Context, path string) (map[string]interface{}, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}

	kvSecret, err := vs.client.KVv2(vs.mount).Get(ctx, path)
	if err != nil {
		if isVaultNotFoundError(err) {
			return nil, fmt.Errorf("%w at path %s", ErrSecretNotFound, path)
		}
		if isVaultPermissionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: failed to read secret at %s: %v", ErrBackendUnavailable, path, err)
	}

	// a soft-deleted latest version comes back without data
	if kvSecret == nil || kvSecret.Data == nil {
		return nil, fmt.Errorf("%w at path %s", ErrSecretNotFound, path)
	}
	return kvSecret.Data, nil
}

// Put writes a new version of the secret at path
func (vs *VaultStore) Put(ctx context.Context, path string, data map[string]interface{}) error {
	if err := checkPath(path); err != nil {
		return err
	}

	if _, err := vs.client.KVv2(vs.mount).Put(ctx, path, data); err != nil {
		if isVaultPermissionError(err) {
			return fmt.Errorf("%w: failed to store secret at %s: %v", ErrPermissionDenied, path, err)
		}
		return fmt.Errorf("%w: failed to store secret at %s: %v", ErrBackendUnavailable, path, err)
	}
	return nil
}

// Delete destroys all versions and the metadata of the secret at path
func (vs *VaultStore) Delete(ctx context.Context, path string) error {
	if err := checkPath(path); err != nil {
		return err
	}

	if err := vs.client.KVv2(vs.mount).DeleteMetadata(ctx, path); err != nil {
		if isVaultNotFoundError(err) {
			return nil
		}
		if isVaultPermissionError(err) {
			return fmt.Errorf("%w: failed to delete secret at %s: %v", ErrPermissionDenied, path, err)
		}
		return fmt.Errorf("%w: failed to delete secret at %s: %v", ErrBackendUnavailable, path, err)
	}
	return nil
}

func checkPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path cannot be empty", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return nil
}

func isVaultNotFoundError(err error) bool {
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return true
	}
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isVaultPermissionError(err error) bool {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusForbidden
	}
	return strings.Contains(err.Error(), "permission denied")
}
