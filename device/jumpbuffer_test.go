package device

import (
	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/cudriver"
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("jump buffer transfers", func() {
	ginkgo.It("declines small transfers", func() {
		driver := cudriver.NewSimDriver(cudriver.DefaultSimConfig())
		mgr := NewJumpBufferTransferMgr(driver, 1024, 512)
		handled, err := mgr.TransferHostToDevice(0, make([]byte, 16), cudriver.NullStream)
		Ω(handled).Should(BeFalse())
		Ω(err).Should(BeNil())
	})

	ginkgo.It("is disabled with a zero buffer size", func() {
		driver := cudriver.NewSimDriver(cudriver.DefaultSimConfig())
		Ω(NewJumpBufferTransferMgr(driver, 0, 0)).Should(BeNil())
		var nilMgr *JumpBufferTransferMgr
		handled, err := nilMgr.TransferHostToDevice(0, make([]byte, 1<<20), cudriver.NullStream)
		Ω(handled).Should(BeFalse())
		Ω(err).Should(BeNil())
	})

	ginkgo.It("stages large transfers chunk by chunk", func() {
		cfg := cudriver.DefaultSimConfig()
		driver := cudriver.NewSimDriver(cfg)
		mgr, err := NewManager(driver, common.DeviceConfig{
			JumpBufferSize:      256,
			JumpBufferThreshold: 128,
		})
		Ω(err).Should(BeNil())
		defer mgr.Close()

		ptr, err := mgr.AllocateDeviceMem(4096, 0, false)
		Ω(err).Should(BeNil())
		defer mgr.FreeDeviceMem(ptr)

		// larger than the jump buffer, forcing multiple chunks
		payload := make([]byte, 1000)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		stream, err := driver.StreamCreate()
		Ω(err).Should(BeNil())
		Ω(mgr.CopyHostToDevice(ptr, payload, stream)).Should(BeNil())

		out := make([]byte, len(payload))
		Ω(mgr.CopyDeviceToHost(out, ptr, stream)).Should(BeNil())
		Ω(out).Should(Equal(payload))
	})
})
