package cudriver

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("sim driver", func() {
	var driver *SimDriver

	ginkgo.BeforeEach(func() {
		cfg := DefaultSimConfig()
		cfg.DeviceCount = 2
		driver = NewSimDriver(cfg)
	})

	allocate := func(bytes int64, device int) DevicePtr {
		Ω(driver.CreateContext(device)).Should(BeNil())
		ptr, err := driver.MemAddressReserve(bytes, driver.devices[device].attrs.AllocationGranularity)
		Ω(err).Should(BeNil())
		handle, err := driver.MemCreate(bytes, device)
		Ω(err).Should(BeNil())
		Ω(driver.MemMap(ptr, bytes, handle)).Should(BeNil())
		Ω(driver.MemSetAccess(ptr, bytes, device)).Should(BeNil())
		return ptr
	}

	ginkgo.It("reports configured device count and attributes", func() {
		count, err := driver.DeviceCount()
		Ω(err).Should(BeNil())
		Ω(count).Should(Equal(2))

		attrs, err := driver.DeviceAttributes(1)
		Ω(err).Should(BeNil())
		Ω(attrs.ComputeMajor).Should(Equal(7))
		Ω(attrs.ComputeMinor).Should(Equal(5))
		Ω(attrs.AllocationGranularity).Should(Equal(int64(2 << 20)))
		Ω(attrs.UUID.String()).ShouldNot(BeEmpty())
	})

	ginkgo.It("tracks current context", func() {
		_, err := driver.GetContext()
		Ω(err).ShouldNot(BeNil())

		Ω(driver.CreateContext(0)).Should(BeNil())
		Ω(driver.CreateContext(1)).Should(BeNil())
		dev, err := driver.GetContext()
		Ω(err).Should(BeNil())
		Ω(dev).Should(Equal(1))

		Ω(driver.SetContext(0)).Should(BeNil())
		dev, err = driver.GetContext()
		Ω(err).Should(BeNil())
		Ω(dev).Should(Equal(0))
	})

	ginkgo.It("round trips data through mapped device memory", func() {
		granularity := int64(2 << 20)
		ptr := allocate(granularity, 0)

		src := []byte{1, 2, 3, 4, 5}
		Ω(driver.MemcpyHtoD(ptr+16, src)).Should(BeNil())

		dst := make([]byte, len(src))
		Ω(driver.MemcpyDtoH(dst, ptr+16)).Should(BeNil())
		Ω(dst).Should(Equal(src))
	})

	ginkgo.It("rejects copies outside mapped ranges", func() {
		granularity := int64(2 << 20)
		ptr := allocate(granularity, 0)

		err := driver.MemcpyHtoD(ptr+DevicePtr(granularity)-1, []byte{1, 2})
		Ω(err).ShouldNot(BeNil())
		Ω(StatusOf(err)).Should(Equal(ErrorInvalidValue))
	})

	ginkgo.It("copies between devices", func() {
		granularity := int64(2 << 20)
		ptr0 := allocate(granularity, 0)
		ptr1 := allocate(granularity, 1)

		payload := []byte("peer copy payload")
		Ω(driver.MemcpyHtoD(ptr0, payload)).Should(BeNil())
		Ω(driver.MemcpyPeer(ptr1, 1, ptr0, 0, int64(len(payload)))).Should(BeNil())

		dst := make([]byte, len(payload))
		Ω(driver.MemcpyDtoH(dst, ptr1)).Should(BeNil())
		Ω(dst).Should(Equal(payload))
	})

	ginkgo.It("runs out of memory at the configured capacity", func() {
		Ω(driver.CreateContext(0)).Should(BeNil())
		_, err := driver.MemCreate(2<<30, 0)
		Ω(err).ShouldNot(BeNil())
		Ω(IsOutOfMemory(err)).Should(BeTrue())
	})

	ginkgo.It("honors fault injection once", func() {
		Ω(driver.CreateContext(0)).Should(BeNil())
		driver.FailNext("cuMemCreate", ErrorOutOfMemory)

		_, err := driver.MemCreate(1<<20, 0)
		Ω(IsOutOfMemory(err)).Should(BeTrue())

		_, err = driver.MemCreate(1<<20, 0)
		Ω(err).Should(BeNil())
	})

	ginkgo.It("fails everything after deinitialization", func() {
		Ω(driver.CreateContext(0)).Should(BeNil())
		driver.Deinitialize()
		err := driver.Synchronize()
		Ω(IsDeinitialized(err)).Should(BeTrue())
	})

	ginkgo.It("validates module images", func() {
		Ω(driver.CreateContext(0)).Should(BeNil())
		_, err := driver.ModuleLoadData([]byte("not ptx"))
		Ω(StatusOf(err)).Should(Equal(ErrorInvalidImage))

		module, err := driver.ModuleLoadData([]byte("//\n.version 7.0\n.target sm_75\n"))
		Ω(err).Should(BeNil())
		Ω(driver.ModuleUnload(module)).Should(BeNil())
		Ω(StatusOf(driver.ModuleUnload(module))).Should(Equal(ErrorNotFound))
	})
})

var _ = ginkgo.Describe("null driver", func() {
	ginkgo.It("reports zero devices and fails everything else", func() {
		driver := NewNullDriver()
		count, err := driver.DeviceCount()
		Ω(err).Should(BeNil())
		Ω(count).Should(Equal(0))

		Ω(StatusOf(driver.CreateContext(0))).Should(Equal(ErrorNoDevice))
		_, err = driver.MemAddressReserve(1<<21, 1<<21)
		Ω(StatusOf(err)).Should(Equal(ErrorNoDevice))
	})
})
