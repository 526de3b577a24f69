package alert

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName   = "org.freedesktop.Notifications"
	notificationsPath   = "/org/freedesktop/Notifications"
	notificationsNotify = notificationsName + ".Notify"
	notificationsInfo   = notificationsName + ".GetServerInformation"

	defaultExpireMs = 5000
)

// DBusDesktop отправляет уведомления через freedesktop Notifications.
// Разрешение считается выданным, если сервис уведомлений отвечает.
type DBusDesktop struct {
	appName string
	icon    string

	mu         sync.Mutex
	conn       *dbus.Conn
	permission Permission
}

func NewDBusDesktop(appName, icon string) *DBusDesktop {
	return &DBusDesktop{appName: appName, icon: icon, permission: PermissionDefault}
}

func (d *DBusDesktop) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func (d *DBusDesktop) RequestPermission(ctx context.Context) (Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission != PermissionDefault {
		return d.permission, nil
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		d.permission = PermissionDenied
		return d.permission, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	var name, vendor, version, spec string
	call := conn.Object(notificationsName, notificationsPath).CallWithContext(ctx, notificationsInfo, 0)
	if err := call.Store(&name, &vendor, &version, &spec); err != nil {
		conn.Close()
		d.permission = PermissionDenied
		return d.permission, fmt.Errorf("notification service unavailable: %w", err)
	}
	d.conn = conn
	d.permission = PermissionGranted
	return d.permission, nil
}

func (d *DBusDesktop) Notify(ctx context.Context, title, body string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("desktop notifications are not permitted")
	}

	call := conn.Object(notificationsName, notificationsPath).CallWithContext(ctx, notificationsNotify, 0,
		d.appName, uint32(0), d.icon, title, body, []string{}, map[string]dbus.Variant{}, int32(defaultExpireMs))
	if call.Err != nil {
		return fmt.Errorf("failed to send desktop notification: %w", call.Err)
	}
	return nil
}

func (d *DBusDesktop) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
