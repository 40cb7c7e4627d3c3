package cache

import "fmt"

// 存储后端名称，与配置中的 StoreDriver 取值一致。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open 根据 driver 构建对应的 Store 实现。
func Open(driver, basePath string) (Store, error) {
	switch driver {
	case DriverFS, "":
		return NewFSStore(basePath)
	case DriverSQLite:
		return NewSQLiteStore(basePath)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
