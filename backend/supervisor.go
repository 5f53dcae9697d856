package backend

import (
	"sync"
	"time"

	soxy "github.com/H1d3r/soxy"
)

// Delay between reconnect attempts after a channel dies.
const RECONNECT_DELAY = 2 * time.Second

// Run opens the virtual channel and keeps it alive: the dispatcher
// outlives individual channels, and both pumps are respawned after
// every disconnect.
func Run(vc VirtualChannel, channelName string) error {
	if _, err := soxy.VirtualChannelName(channelName); err != nil {
		return err
	}

	toVc := make(chan soxy.Message, soxy.TO_VC_CHANNEL_SIZE)
	fromVc := make(chan soxy.Message, soxy.TO_VC_CHANNEL_SIZE)

	channel := soxy.NewChannel(toVc)

	go func() {
		if err := channel.Run(soxy.KindBackend, fromVc); err != nil {
			log.Errorf("backend channel stopped: %v", err)
		} else {
			log.Debugf("backend channel stopped")
		}
	}()

	for {
		runChannel(vc, channelName, toVc, fromVc)
		time.Sleep(RECONNECT_DELAY)
	}
}

// runChannel drives one channel lifetime: open, pump until failure,
// close.
func runChannel(vc VirtualChannel, channelName string, toVc chan soxy.Message, fromVc chan soxy.Message) {
	//	messages left over from the previous channel are stale: the
	//	dispatcher already ended every stream they belonged to
	drainStale(toVc)

	log.Debugf("open virtual channel %q", channelName)

	handle, err := vc.Open(channelName)
	if err != nil {
		log.Errorf("%v", err)
		return
	}

	log.Infof("virtual channel %s opened", handle.DisplayName())

	var closeOnce sync.Once
	closeHandle := func() {
		closeOnce.Do(func() {
			if err := handle.Close(); err != nil {
				log.Warningf("failed to close channel: %v", err)
			}
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := outboundPump(handle, toVc); err != nil {
			log.Errorf("backend to frontend stopped: %v", err)
			closeHandle()
		} else {
			log.Debugf("backend to frontend stopped")
		}
	}()

	if err := inboundPump(handle, fromVc); err != nil {
		log.Errorf("frontend to backend stopped: %v", err)
	} else {
		log.Debugf("frontend to backend stopped")
	}
	closeHandle()

	//	tell the dispatcher to end every stream; it forwards the
	//	shutdown to the outbound pump, which then exits
	fromVc <- soxy.ShutdownMessage()

	wg.Wait()
}

func drainStale(queue chan soxy.Message) {
	for {
		select {
		case <-queue:
		default:
			return
		}
	}
}
