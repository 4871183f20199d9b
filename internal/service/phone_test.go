package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
)

type mockAwaiter struct {
	mock.Mock
}

func (m *mockAwaiter) Await(ctx context.Context, params AwaitParams) (*AwaitResult, error) {
	args := m.Called(ctx, params)
	res, _ := args.Get(0).(*AwaitResult)
	return res, args.Error(1)
}

func TestNormalizePhoneNumber(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr apperrors.ErrorCode
	}{
		{name: "digits only", input: "01012345678", want: "01012345678"},
		{name: "international with separators", input: "+82 (10) 1234-5678", want: "+821012345678"},
		{name: "dots", input: "555.000.1111", want: "5550001111"},
		{name: "surrounding space", input: "  +15550001111 ", want: "+15550001111"},
		{name: "empty", input: "  ", wantErr: apperrors.ErrCodeMissingRequired},
		{name: "letters", input: "555-CALL-NOW", wantErr: apperrors.ErrCodeValidation},
		{name: "plus in the middle", input: "555+1111", wantErr: apperrors.ErrCodeValidation},
		{name: "too short", input: "12345", wantErr: apperrors.ErrCodeValidation},
		{name: "too long", input: "1234567890123456", wantErr: apperrors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhoneNumber(tt.input)
			if tt.wantErr != "" {
				requireCode(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPhoneCheckService_CheckPhone(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches a normalized validate command", func(t *testing.T) {
		awaiter := new(mockAwaiter)
		want := &AwaitResult{Success: true, Category: CategorySuccess}
		awaiter.On("Await", ctx, mock.MatchedBy(func(p AwaitParams) bool {
			var payload map[string]string
			return p.TenantID == "tenant-1" &&
				p.Kind == phoneCheckKind &&
				p.Type == CommandTypeValidatePhone &&
				json.Unmarshal(p.Payload, &payload) == nil &&
				payload["phoneNumber"] == "+821012345678"
		})).Return(want, nil).Once()

		res, err := NewPhoneCheckService(awaiter).CheckPhone(ctx, "tenant-1", "+82 10-1234-5678")
		require.NoError(t, err)
		assert.Same(t, want, res)
		awaiter.AssertExpectations(t)
	})

	t.Run("rejects bad numbers without dispatching", func(t *testing.T) {
		awaiter := new(mockAwaiter)

		_, err := NewPhoneCheckService(awaiter).CheckPhone(ctx, "tenant-1", "abc")
		requireCode(t, err, apperrors.ErrCodeValidation)
		awaiter.AssertNotCalled(t, "Await", mock.Anything, mock.Anything)
	})

	t.Run("end to end against the dispatcher", func(t *testing.T) {
		env := newTestEnv(t)
		done := fakeExtension(t, env, "tenant-1", completeWith(t, env, "tenant-1", "success", `{"registered":false}`, nil))

		res, err := NewPhoneCheckService(env.commands).CheckPhone(ctx, "tenant-1", "010-1234-5678")
		require.NoError(t, err)
		<-done
		assert.Equal(t, CategorySuccess, res.Category)
		assert.JSONEq(t, `{"registered":false}`, string(res.Data))
	})
}
