//go:build rp2040 || rp2350

// Firmware that samples a BMP180 on I2C0 (SDA=GP4, SCL=GP5) and writes one
// line per reading to UART0 (TX=GP0, RX=GP1) and the USB console.
package main

import (
	"context"
	"machine"
	"time"

	"bmp180-go/drivers/bmp180"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

const (
	period     = 2 * time.Second
	seaLevelPa = 101325
	// consecutive failed reads before the chip is checked and reloaded
	maxFailures = 3
)

// tiny helpers (no fmt)
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [24]byte
	b := len(buf)
	for i > 0 {
		b--
		buf[b] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		b--
		buf[b] = '-'
	}
	return string(buf[b:])
}

// fixed formats v/10^places, e.g. fixed(153, 1) = "15.3".
func fixed(v int32, places int) string {
	div := int32(1)
	for i := 0; i < places; i++ {
		div *= 10
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	frac := itoa(int(v % div))
	for len(frac) < places {
		frac = "0" + frac
	}
	return sign + itoa(int(v/div)) + "." + frac
}

func main() {
	time.Sleep(2 * time.Second)
	println("[bmp180] boot")

	u := uartx.UART0
	_ = u.Configure(uartx.UARTConfig{BaudRate: 115200, TX: machine.GP0, RX: machine.GP1})

	i2c := machine.I2C0
	if err := i2c.Configure(machine.I2CConfig{
		SDA:       machine.GP4,
		SCL:       machine.GP5,
		Frequency: 400 * machine.KHz,
	}); err != nil {
		println("[bmp180] i2c configure:", err.Error())
		return
	}

	var (
		dev *bmp180.Device
		err error
	)
	for {
		dev, err = bmp180.Initialize(i2c, bmp180.Config{Oversampling: bmp180.Standard})
		if err == nil {
			break
		}
		println("[bmp180] init:", string(bmp180.Code(err)), err.Error())
		time.Sleep(time.Second)
	}
	cal, _ := dev.Calibration()
	println("[bmp180] calibrated AC1=", cal.AC1, "AC5=", cal.AC5, "MD=", cal.MD)

	ctx := context.Background()
	failures := 0
	for {
		start := time.Now()
		s, err := dev.Read(ctx)
		if err != nil {
			println("[bmp180] read:", string(bmp180.Code(err)), err.Error())
			failures++
			// A sensor that was unplugged or power cycled answers again
			// after a while; reload its calibration once it does.
			if failures >= maxFailures && dev.Connected() {
				if err := dev.LoadCalibration(ctx); err != nil {
					println("[bmp180] reload:", string(bmp180.Code(err)), err.Error())
				} else {
					println("[bmp180] calibration reloaded")
					failures = 0
				}
			}
		} else {
			failures = 0
			alt := int32(s.Altitude(seaLevelPa) * 10)
			line := "T=" + fixed(s.DeciCelsius, 1) + "C P=" + fixed(s.Pascals, 2) +
				"hPa alt=" + fixed(alt, 1) + "m oss=" + itoa(int(s.Oversampling))
			println("[bmp180]", line)
			_, _ = u.Write([]byte(line + "\r\n"))
		}
		if d := period - time.Since(start); d > 0 {
			time.Sleep(d)
		}
	}
}
