package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/3Eeeecho/go-chunkupload/internal/pkg/xerr"
)

// classifyCode 把后端返回的错误码归类，三种后端的错误码基本沿用 S3 的命名
func classifyCode(code string, statusCode int) xerr.Kind {
	switch code {
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccountProblem":
		return xerr.KindPermissionDenied
	case "QuotaExceeded", "XMinioAdminBucketQuotaExceeded", "StorageQuotaExceeded", "EntityTooLarge", "InsufficientStorage":
		return xerr.KindQuotaExceeded
	case "NoSuchBucket", "InvalidBucketName", "InvalidArgument", "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
		return xerr.KindInvalidConfiguration
	case "NoSuchUpload":
		return xerr.KindNotFound
	case "SlowDown", "Throttling", "RequestTimeout", "InternalError", "ServiceUnavailable", "RequestTimeTooSkewed":
		return xerr.KindTransientIO
	}
	switch {
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return xerr.KindPermissionDenied
	case statusCode == http.StatusInsufficientStorage:
		return xerr.KindQuotaExceeded
	case statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == 0:
		return xerr.KindTransientIO
	case statusCode >= 400:
		return xerr.KindInvalidConfiguration
	}
	return xerr.KindTransientIO
}

// commonKind 处理与后端无关的错误：上下文取消与网络错误
func commonKind(err error) (xerr.Kind, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return xerr.KindCancelled, true
	case errors.Is(err, context.DeadlineExceeded):
		return xerr.KindTransientIO, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return xerr.KindTransientIO, true
	}
	return "", false
}

// wrapErr 为后端错误加上操作名和分类
func wrapErr(op string, err error, classify func(error) xerr.Kind) error {
	if err == nil {
		return nil
	}
	kind, ok := commonKind(err)
	if !ok {
		kind = classify(err)
	}
	return xerr.Wrap(kind, fmt.Errorf("%s: %w", op, err))
}
