package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateEntry 唯一键冲突：同一 (email, funnel_type, test_id) 已存在
	ErrDuplicateEntry = errors.New("funnel entry already exists")
	// ErrStoreUnavailable 无法连接存储，属于整次运行级别的错误
	ErrStoreUnavailable = errors.New("store unavailable")
)

// mysqlDuplicateEntry MySQL 唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// IsDuplicateKey 判断是否为唯一键冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateEntry) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// IsUnavailable 判断错误是否意味着存储整体不可达。
// 这类错误不能记在单行上，需要中止本次运行。
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
