package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSAPI is the subset of *kms.Client used by KMSDecrypter.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSDecrypter decrypts object bodies with AWS KMS.
type KMSDecrypter struct {
	client KMSAPI
}

// NewKMSDecrypter wraps a KMS client.
func NewKMSDecrypter(client KMSAPI) *KMSDecrypter {
	return &KMSDecrypter{client: client}
}

// Decrypt implements Decrypter.
func (d *KMSDecrypter) Decrypt(ctx context.Context, keyRef string, ciphertext []byte) ([]byte, error) {
	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if keyRef != "" {
		input.KeyId = aws.String(keyRef)
	}
	out, err := d.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt with %s: %w", keyRef, err)
	}
	return out.Plaintext, nil
}
