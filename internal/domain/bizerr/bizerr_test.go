package bizerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsByCode(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("загрузка photos/a.png: %w", Wrap(CodeBlobStoreWriteFailed, "put", cause))

	if !errors.Is(err, ErrBlobStoreWriteFailed) {
		t.Error("errors.Is(err, ErrBlobStoreWriteFailed) = false, ожидается true")
	}
	if errors.Is(err, ErrUploadInProgressTimeout) {
		t.Error("errors.Is(err, ErrUploadInProgressTimeout) = true, ожидается false")
	}
	if !errors.Is(err, cause) {
		t.Error("исходная причина потеряна при обёртке")
	}
	if CodeOf(err) != CodeBlobStoreWriteFailed {
		t.Errorf("CodeOf() = %q, ожидается %q", CodeOf(err), CodeBlobStoreWriteFailed)
	}
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{CodeEmptyInput, false},
		{CodeInvalidArgument, false},
		{CodeDuplicateContentRace, true},
		{CodeUploadInProgressTimeout, true},
		{CodeBlobStoreWriteFailed, true},
		{CodeShardNameInvalid, false},
		{CodeReconciliationItemFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := IsRetryable(New(tt.code, "x")); got != tt.retryable {
				t.Errorf("IsRetryable(%s) = %v, ожидается %v", tt.code, got, tt.retryable)
			}
		})
	}

	if IsRetryable(errors.New("обычная ошибка")) {
		t.Error("IsRetryable для не-бизнес ошибки должен быть false")
	}
}

func TestError_Message(t *testing.T) {
	err := New(CodeShardNameInvalid, "имя uploaded-files")
	want := "SHARD_NAME_INVALID: имя uploaded-files"
	if err.Error() != want {
		t.Errorf("Error() = %q, ожидается %q", err.Error(), want)
	}
}
