// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracearchive

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureConfig configures the Azure Blob archive backend. With neither
// AccountKey nor ConnectionString set, the default Azure credential
// chain is used (managed identity, workload identity, environment).
type AzureConfig struct {
	AccountName      string
	Container        string
	AccountKey       string
	ConnectionString string
}

// AzureStore implements ObjectStore over an Azure Blob container.
type AzureStore struct {
	client    *azblob.Client
	container string
	account   string
}

// NewAzureStore builds the client and verifies the account is reachable.
func NewAzureStore(ctx context.Context, cfg AzureConfig) (*AzureStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure archive: container is required")
	}

	var client *azblob.Client
	var err error

	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountKey != "":
		if cfg.AccountName == "" {
			return nil, fmt.Errorf("azure archive: account name is required with an account key")
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	default:
		if cfg.AccountName == "" {
			return nil, fmt.Errorf("azure archive: account name is required")
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(serviceURL, cred, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("azure archive: failed to create client: %w", err)
	}

	if _, err := client.ServiceClient().GetProperties(ctx, nil); err != nil {
		return nil, fmt.Errorf("azure archive: failed to verify connectivity: %w", err)
	}

	return &AzureStore{client: client, container: cfg.Container, account: cfg.AccountName}, nil
}

// Put implements ObjectStore.
func (s *AzureStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	return err
}

// Name implements ObjectStore.
func (s *AzureStore) Name() string { return "azblob://" + s.container }

// Close implements ObjectStore. The SDK client needs no explicit
// shutdown.
func (s *AzureStore) Close() error { return nil }
