package dbus

import (
	"fmt"
	"reflect"
	"sync"
)

// registrationsMu guards signalTypes, signalNames, propTypes and
// propNames.
var registrationsMu sync.Mutex

var signalTypes = map[interfaceMember]reflect.Type{
	{ifaceBus, "NameOwnerChanged"}:           reflect.TypeFor[NameOwnerChanged](),
	{ifaceBus, "NameLost"}:                   reflect.TypeFor[NameLost](),
	{ifaceBus, "NameAcquired"}:               reflect.TypeFor[NameAcquired](),
	{ifaceBus, "ActivatableServicesChanged"}: reflect.TypeFor[ActivatableServicesChanged](),
	{ifaceProps, "PropertiesChanged"}:        reflect.TypeFor[PropertiesChanged](),
	{ifaceObjectManager, "InterfacesAdded"}:  reflect.TypeFor[InterfacesAdded](),
	{ifaceObjectManager, "InterfacesRemoved"}: reflect.TypeFor[InterfacesRemoved](),
}

var signalNames = func() map[reflect.Type]interfaceMember {
	ret := make(map[reflect.Type]interfaceMember, len(signalTypes))
	for k, t := range signalTypes {
		ret[t] = k
	}
	return ret
}()

var propTypes = map[interfaceMember]reflect.Type{}

var propNames = map[reflect.Type]interfaceMember{}

// RegisterSignalType associates the Go type T with the named signal,
// so that [Watcher] notifications and [Conn.EmitSignal] can use T to
// represent the signal's body.
//
// RegisterSignalType panics if T is not a valid DBus type, or if
// interfaceName/signalName already has an associated type.
func RegisterSignalType[T any](interfaceName, signalName string) {
	k := interfaceMember{interfaceName, signalName}
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for signal %s: %w", t, k, err))
	}

	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	if prev, ok := signalTypes[k]; ok {
		panic(fmt.Errorf("duplicate signal type registration for %s, existing registration %s", k, prev))
	}
	signalTypes[k] = t
	signalNames[t] = k
}

// RegisterPropertyChangeType associates the Go type T with the named
// property, so that PropertiesChanged notifications delivered through
// a [Watcher] decode the property's new value as a T.
//
// RegisterPropertyChangeType panics if T is not a valid DBus type, or
// if interfaceName/propertyName already has an associated type.
func RegisterPropertyChangeType[T any](interfaceName, propertyName string) {
	k := interfaceMember{interfaceName, propertyName}
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for property %s: %w", t, k, err))
	}

	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	if prev, ok := propTypes[k]; ok {
		panic(fmt.Errorf("duplicate property type registration for %s, existing registration %s", k, prev))
	}
	propTypes[k] = t
	propNames[t] = k
}

// signalTypeFor returns the Go type registered for the given signal,
// or nil if none was registered.
func signalTypeFor(interfaceName, signalName string) reflect.Type {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	return signalTypes[interfaceMember{interfaceName, signalName}]
}

// propTypeFor returns the Go type registered for the given property,
// or nil if none was registered.
func propTypeFor(interfaceName, propertyName string) reflect.Type {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	return propTypes[interfaceMember{interfaceName, propertyName}]
}

// signalNameFor returns the interface and member name that T was
// registered under with [RegisterSignalType].
func signalNameFor(t reflect.Type) (interfaceMember, bool) {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	k, ok := signalNames[t]
	return k, ok
}

// propNameFor returns the interface and property name that T was
// registered under with [RegisterPropertyChangeType].
func propNameFor(t reflect.Type) (interfaceMember, bool) {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	k, ok := propNames[t]
	return k, ok
}
