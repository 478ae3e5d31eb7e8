package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/medsync/agent/internal/models"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Classify maps a raw adapter error onto NetworkUnavailable, RemoteRejected
// or CredentialInvalid. Errors already in the taxonomy pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrCredentialInvalid),
		errors.Is(err, models.ErrNetworkUnavailable),
		errors.Is(err, models.ErrRemoteRejected):
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", models.ErrCredentialInvalid, err)
		}
		return fmt.Errorf("%w: %v", models.ErrRemoteRejected, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", models.ErrCredentialInvalid, err)
	}

	// Timeouts count against the retry budget.
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", models.ErrRemoteRejected, err)
	}

	if models.IsNetworkFailure(err) {
		return fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
	}

	return fmt.Errorf("%w: %v", models.ErrRemoteRejected, err)
}
