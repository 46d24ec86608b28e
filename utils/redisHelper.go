package utils

import (
	"fmt"
	"reflect"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
)

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

/*
caches:
	<Type>:$id            one instance
	All<Type>List:$biz    tenant-wide list
*/

// read an instance from cache, Type:$id
func GetRedisItem[T any](id int, dest *T) (bool, error) {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.GetRedisObject(key, dest)
}

// cache an instance, Type:$id
func StoreRedisItem[T any](id int, obj *T) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.SetRedisObject(key, obj, 0)
}

// remove an instance, Type:$id
func RemoveRedisItem[T any](id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.RemoveRedisKey(key)
}

func RemoveRedisList[T any](businessId string) error {
	return config.RemoveRedisKey("All" + GetTypeName[T]() + "List:" + businessId)
}
